package convo

import (
	"festa-bot/internal/qualify"
	"festa-bot/internal/repo"
)

// leadFromAnswers maps collected answers onto lead fields. Every answer,
// including ones from custom steps, is kept in Qualification.
func leadFromAnswers(inst *repo.Instance, conv *repo.Conversation, answers map[string]string) repo.Lead {
	lead := repo.Lead{
		CompanyID:      inst.CompanyID,
		ConversationID: conv.ID,
		Name:           answers[qualify.StepName],
		Phone:          conv.RemoteJID,
		InquiryType:    answers[qualify.StepInquiry],
		PartyMonth:     answers[qualify.StepMonth],
		DayPreference:  answers[qualify.StepDayOfWeek],
		GuestCount:     answers[qualify.StepGuestCount],
		Qualification:  answers,
		Source:         repo.LeadSourceWhatsAppBot,
	}
	if lead.Name == "" {
		lead.Name = conv.ContactName
	}
	if conv.LeadID != nil {
		lead.ID = *conv.LeadID
	}
	return lead
}
