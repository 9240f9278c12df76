package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	Question string `json:"question"`
}

type dosageRequest struct {
	MedicationID   uint   `json:"medicationId"`
	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage"`
}

// Chat 回答患者关于 IVF 的提问。
func (a *API) Chat(c *gin.Context) {
	var req chatRequest
	if !bindJSON(c, &req, "invalid question payload") {
		return
	}
	answer, err := a.assistant.AnswerQuestion(c.Request.Context(), req.Question)
	if err != nil {
		respondServiceError(c, err, "failed to answer question")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"answer":     answer.Answer,
		"answerHtml": answer.AnswerHTML,
	})
}

// ExplainDosage 生成用药步骤说明与流程图。
// 只给出 medicationId 时，从当前用户所在诊所的药品目录取名称。
func (a *API) ExplainDosage(c *gin.Context) {
	var req dosageRequest
	if !bindJSON(c, &req, "invalid dosage payload") {
		return
	}
	name := strings.TrimSpace(req.MedicationName)
	if name == "" && req.MedicationID != 0 {
		medication, err := a.medications.Get(currentUser(c).ClinicID, req.MedicationID)
		if err != nil {
			respondServiceError(c, err, "failed to load medication")
			return
		}
		name = medication.Name
	}
	result, err := a.assistant.ExplainDosage(c.Request.Context(), name, req.Dosage)
	if err != nil {
		respondServiceError(c, err, "failed to explain dosage")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"explanation":     result.Explanation,
		"explanationHtml": result.ExplanationHTML,
		"diagram":         result.Diagram,
	})
}
