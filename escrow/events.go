package escrow

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"mizan/models"
	"mizan/notify"
)

func holdEvent(hold *models.EscrowHold, eventType string, recipient uuid.UUID, now time.Time) notify.Event {
	return notify.Event{
		Type:       eventType,
		ContractID: hold.ContractID,
		HoldID:     hold.ID.String(),
		Recipient:  recipient.String(),
		Attributes: map[string]string{
			"amount":   strconv.FormatInt(hold.Amount, 10),
			"currency": hold.Currency,
			"status":   string(hold.Status),
			"deadline": hold.Deadline.UTC().Format(time.RFC3339),
		},
		CreatedAt: now,
	}
}

func releaseRequestedEvent(hold *models.EscrowHold, requester uuid.UUID, now time.Time) *notify.Event {
	evt := holdEvent(hold, notify.EventReleaseRequested, counterParty(hold, requester), now)
	evt.Attributes["requestedBy"] = requester.String()
	return &evt
}

func releaseApprovedEvent(hold *models.EscrowHold, approvedBy string, now time.Time) *notify.Event {
	evt := holdEvent(hold, notify.EventReleaseApproved, hold.BeneficiaryID, now)
	evt.Attributes["approvedBy"] = approvedBy
	return &evt
}

func releaseRejectedEvent(hold *models.EscrowHold, rejectedBy uuid.UUID, reason string, now time.Time) *notify.Event {
	evt := holdEvent(hold, notify.EventReleaseRejected, hold.BeneficiaryID, now)
	evt.Attributes["rejectedBy"] = rejectedBy.String()
	evt.Attributes["reason"] = reason
	return &evt
}

func deadlineExtendedEvent(hold *models.EscrowHold, requestedBy uuid.UUID, days int, now time.Time) *notify.Event {
	evt := holdEvent(hold, notify.EventDeadlineExtended, counterParty(hold, requestedBy), now)
	evt.Attributes["requestedBy"] = requestedBy.String()
	evt.Attributes["days"] = strconv.Itoa(days)
	return &evt
}
