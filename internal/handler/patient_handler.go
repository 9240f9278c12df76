package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type symptomRequest struct {
	Mood string `json:"mood"`
}

// Today 返回患者当天的注射安排，可通过 ?date= 查看其他日期。
func (a *API) Today(c *gin.Context) {
	day := a.today()
	if raw := c.Query("date"); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		day = *parsed
	}

	view, err := a.progress.Today(currentUser(c).ID, day)
	if err != nil {
		respondServiceError(c, err, "failed to load today's injections")
		return
	}
	c.JSON(http.StatusOK, view)
}

// Calendar 返回当前方案的完整日历。
func (a *API) Calendar(c *gin.Context) {
	view, err := a.progress.Calendar(currentUser(c).ID, a.today())
	if err != nil {
		respondServiceError(c, err, "failed to load calendar")
		return
	}
	c.JSON(http.StatusOK, view)
}

// History 返回全部方案分配及进度。
func (a *API) History(c *gin.Context) {
	entries, err := a.progress.History(currentUser(c).ID, a.today())
	if err != nil {
		respondServiceError(c, err, "failed to load protocol history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ListMyCompletions 返回当前患者的打卡记录。
func (a *API) ListMyCompletions(c *gin.Context) {
	a.listCompletions(c, currentUser(c).ID)
}

// RecordMyCompletion 患者为自己打卡。
func (a *API) RecordMyCompletion(c *gin.Context) {
	user := currentUser(c)
	a.recordCompletion(c, user.ID, user.ID)
}

// LogSymptom 保存症状描述并尝试生成 AI 分析。
func (a *API) LogSymptom(c *gin.Context) {
	completionID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req symptomRequest
	if !bindJSON(c, &req, "invalid symptom payload") {
		return
	}
	completion, err := a.completions.LogSymptom(c.Request.Context(), completionID, currentUser(c).ID, req.Mood)
	if err != nil {
		respondServiceError(c, err, "failed to log symptom")
		return
	}
	c.JSON(http.StatusOK, gin.H{"completion": completionToPayload(*completion)})
}

// RetryAnalysis 重新分析已保存的症状描述。
func (a *API) RetryAnalysis(c *gin.Context) {
	completionID, ok := paramID(c, "id")
	if !ok {
		return
	}
	completion, err := a.completions.RetryAnalysis(c.Request.Context(), completionID, currentUser(c).ID)
	if err != nil {
		respondServiceError(c, err, "failed to analyze symptom")
		return
	}
	c.JSON(http.StatusOK, gin.H{"completion": completionToPayload(*completion)})
}

// MyAppointments 返回患者即将到来的就诊。
func (a *API) MyAppointments(c *gin.Context) {
	appointments, err := a.appointments.Upcoming(currentUser(c).ID, a.now())
	if err != nil {
		respondServiceError(c, err, "failed to list appointments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": mapSlice(appointments, appointmentToPayload)})
}
