package handler

import (
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/schedule"
	"github.com/aivf/internal/service"
	"github.com/gin-gonic/gin"
)

func medicationToPayload(med db.Medication) gin.H {
	return gin.H{
		"id":          med.ID,
		"name":        med.Name,
		"description": med.Description,
		"createdAt":   med.CreatedAt,
	}
}

func protocolToPayload(protocol db.Protocol) gin.H {
	def := protocol.Definition()
	phases := def.Phases
	if phases == nil {
		phases = []schedule.Phase{}
	}
	return gin.H{
		"id":              protocol.ID,
		"name":            protocol.Name,
		"description":     protocol.Description,
		"phases":          phases,
		"totalDays":       def.TotalDays(),
		"totalInjections": def.TotalInjections(),
		"createdAt":       protocol.CreatedAt,
	}
}

func assignmentToPayload(assignment db.ProtocolAssignment) gin.H {
	payload := gin.H{
		"id":         assignment.ID,
		"patientId":  assignment.PatientID,
		"protocolId": assignment.ProtocolID,
		"startDate":  assignment.StartDate.Format(dateFormat),
		"assignedAt": assignment.CreatedAt,
	}
	if assignment.Protocol.ID != 0 {
		def := assignment.Protocol.Definition()
		payload["protocolName"] = assignment.Protocol.Name
		payload["endDate"] = def.EndDate(assignment.StartDate).Format(dateFormat)
	}
	return payload
}

func completionToPayload(completion db.InjectionCompletion) gin.H {
	payload := gin.H{
		"id":             completion.ID,
		"patientId":      completion.PatientID,
		"protocolId":     completion.ProtocolID,
		"injectionDate":  completion.InjectionDate.Format(dateFormat),
		"injectionTime":  completion.InjectionTime,
		"completedAt":    completion.CreatedAt,
		"mood":           completion.Mood,
		"moodAnalysis":   completion.MoodAnalysis,
		"analysisStatus": completion.AnalysisStatus,
	}
	if completion.MoodAnalysis != "" {
		payload["moodAnalysisHtml"] = service.RenderMarkdown(completion.MoodAnalysis)
	}
	if completion.AnalysisError != "" {
		payload["analysisError"] = completion.AnalysisError
	}
	if completion.AnalyzedAt != nil {
		payload["analyzedAt"] = completion.AnalyzedAt
	}
	return payload
}

func appointmentToPayload(appointment db.Appointment) gin.H {
	return gin.H{
		"id":        appointment.ID,
		"patientId": appointment.PatientID,
		"type":      appointment.Type,
		"date":      appointment.Date.Format(time.RFC3339),
		"notes":     appointment.Notes,
	}
}

func mapSlice[T any](items []T, fn func(T) gin.H) []gin.H {
	out := make([]gin.H, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}
