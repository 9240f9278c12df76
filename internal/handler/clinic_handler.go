package handler

import (
	"errors"
	"net/http"

	"github.com/aivf/internal/schedule"
	"github.com/aivf/internal/service"
	"github.com/gin-gonic/gin"
)

type medicationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type protocolRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Phases      []schedule.Phase `json:"phases"`
}

type patientRequest struct {
	FullName    string `json:"fullName"`
	Email       string `json:"email"`
	DateOfBirth string `json:"dateOfBirth"`
}

type assignRequest struct {
	ProtocolID uint   `json:"protocolId"`
	StartDate  string `json:"startDate"`
}

type completionRequest struct {
	ProtocolID    uint   `json:"protocolId"`
	InjectionDate string `json:"injectionDate"`
	InjectionTime string `json:"injectionTime"`
}

type appointmentRequest struct {
	PatientID uint   `json:"patientId"`
	Type      string `json:"type"`
	Date      string `json:"date"`
	Notes     string `json:"notes"`
}

// ListMedications 返回诊所药品目录。
func (a *API) ListMedications(c *gin.Context) {
	meds, err := a.medications.List(currentUser(c).ClinicID)
	if err != nil {
		respondServiceError(c, err, "failed to list medications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"medications": mapSlice(meds, medicationToPayload)})
}

// CreateMedication 新增药品，同一诊所内名称唯一。
func (a *API) CreateMedication(c *gin.Context) {
	var req medicationRequest
	if !bindJSON(c, &req, "invalid medication payload") {
		return
	}
	med, err := a.medications.Create(currentUser(c).ClinicID, service.MedicationInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		respondServiceError(c, err, "failed to create medication")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"medication": medicationToPayload(*med)})
}

// ListProtocols 返回诊所的方案模板。
func (a *API) ListProtocols(c *gin.Context) {
	protocols, err := a.protocols.List(currentUser(c).ClinicID)
	if err != nil {
		respondServiceError(c, err, "failed to list protocols")
		return
	}
	c.JSON(http.StatusOK, gin.H{"protocols": mapSlice(protocols, protocolToPayload)})
}

// CreateProtocol 校验并保存方案模板。
func (a *API) CreateProtocol(c *gin.Context) {
	var req protocolRequest
	if !bindJSON(c, &req, "invalid protocol payload") {
		return
	}
	protocol, err := a.protocols.Create(currentUser(c).ClinicID, service.ProtocolInput{
		Name:        req.Name,
		Description: req.Description,
		Phases:      req.Phases,
	})
	if err != nil {
		respondServiceError(c, err, "failed to create protocol")
		return
	}
	a.log.Info("protocol created", "protocol_id", protocol.ID, "clinic_id", protocol.ClinicID)
	c.JSON(http.StatusCreated, gin.H{"protocol": protocolToPayload(*protocol)})
}

// GetProtocol 返回单个方案。
func (a *API) GetProtocol(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	protocol, err := a.protocols.Get(currentUser(c).ClinicID, id)
	if err != nil {
		respondServiceError(c, err, "failed to load protocol")
		return
	}
	c.JSON(http.StatusOK, gin.H{"protocol": protocolToPayload(*protocol)})
}

// ListPatients 返回诊所患者。
func (a *API) ListPatients(c *gin.Context) {
	patients, err := a.accounts.ListPatients(currentUser(c).ClinicID)
	if err != nil {
		respondServiceError(c, err, "failed to list patients")
		return
	}
	payload := make([]gin.H, 0, len(patients))
	for _, patient := range patients {
		payload = append(payload, userToPayload(patient))
	}
	c.JSON(http.StatusOK, gin.H{"patients": payload})
}

// CreatePatient 新建患者并发送设置密码链接。
func (a *API) CreatePatient(c *gin.Context) {
	var req patientRequest
	if !bindJSON(c, &req, "invalid patient payload") {
		return
	}
	dob, err := parseDate(req.DateOfBirth)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	patient, token, err := a.accounts.CreatePatient(service.CreatePatientInput{
		ClinicID:    currentUser(c).ClinicID,
		FullName:    req.FullName,
		Email:       req.Email,
		DateOfBirth: dob,
	})
	if err != nil {
		respondServiceError(c, err, "failed to create patient")
		return
	}

	link, delivered := a.sendSetupLink(c.Request.Context(), patient, token)
	c.JSON(http.StatusCreated, gin.H{
		"patient":        userToPayload(*patient),
		"setupLink":      link,
		"emailDelivered": delivered,
	})
}

// ResendSetupLink 为尚未设置密码的患者重新签发链接。
func (a *API) ResendSetupLink(c *gin.Context) {
	patientID, ok := paramID(c, "id")
	if !ok {
		return
	}
	patient, err := a.accounts.GetPatientInClinic(currentUser(c).ClinicID, patientID)
	if err != nil {
		respondServiceError(c, err, "failed to load patient")
		return
	}
	if patient.HasPassword() {
		respondError(c, http.StatusConflict, "patient has already set a password")
		return
	}
	token, err := a.accounts.IssueSetupToken(patient.ID)
	if err != nil {
		respondServiceError(c, err, "failed to issue setup link")
		return
	}
	link, delivered := a.sendSetupLink(c.Request.Context(), patient, token)
	c.JSON(http.StatusOK, gin.H{"setupLink": link, "emailDelivered": delivered})
}

// PatientDetail 返回患者资料、当前方案进度与历史分配。
func (a *API) PatientDetail(c *gin.Context) {
	patientID, ok := paramID(c, "id")
	if !ok {
		return
	}
	patient, err := a.accounts.GetPatientInClinic(currentUser(c).ClinicID, patientID)
	if err != nil {
		respondServiceError(c, err, "failed to load patient")
		return
	}

	payload := gin.H{"patient": userToPayload(*patient)}

	current, err := a.assignments.Current(patient.ID, a.today())
	switch {
	case errors.Is(err, service.ErrAssignmentNotFound):
		payload["currentAssignment"] = nil
	case err != nil:
		respondServiceError(c, err, "failed to load assignment")
		return
	default:
		progress, err := a.progress.Progress(patient.ID, &current.Protocol)
		if err != nil {
			respondServiceError(c, err, "failed to compute progress")
			return
		}
		payload["currentAssignment"] = assignmentToPayload(*current)
		payload["progress"] = progress
	}

	history, err := a.progress.History(patient.ID, a.today())
	if err != nil {
		respondServiceError(c, err, "failed to load history")
		return
	}
	payload["history"] = history
	c.JSON(http.StatusOK, payload)
}

// AssignProtocol 为患者分配方案，旧分配保留为历史。
func (a *API) AssignProtocol(c *gin.Context) {
	patientID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req assignRequest
	if !bindJSON(c, &req, "invalid assignment payload") {
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	admin := currentUser(c)
	assignment, err := a.assignments.Assign(admin.ClinicID, admin.ID, service.AssignInput{
		PatientID:  patientID,
		ProtocolID: req.ProtocolID,
		StartDate:  start,
	})
	if err != nil {
		respondServiceError(c, err, "failed to assign protocol")
		return
	}
	a.log.Info("protocol assigned", "assignment_id", assignment.ID, "patient_id", patientID, "protocol_id", req.ProtocolID)
	c.JSON(http.StatusCreated, gin.H{"assignment": assignmentToPayload(*assignment)})
}

// ListPatientCompletions 返回诊所患者的打卡记录。
func (a *API) ListPatientCompletions(c *gin.Context) {
	patientID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, err := a.accounts.GetPatientInClinic(currentUser(c).ClinicID, patientID); err != nil {
		respondServiceError(c, err, "failed to load patient")
		return
	}
	a.listCompletions(c, patientID)
}

// RecordPatientCompletion 由诊所代患者打卡。
func (a *API) RecordPatientCompletion(c *gin.Context) {
	patientID, ok := paramID(c, "id")
	if !ok {
		return
	}
	admin := currentUser(c)
	if _, err := a.accounts.GetPatientInClinic(admin.ClinicID, patientID); err != nil {
		respondServiceError(c, err, "failed to load patient")
		return
	}
	a.recordCompletion(c, patientID, admin.ID)
}

// CreateAppointment 为诊所患者安排就诊。
func (a *API) CreateAppointment(c *gin.Context) {
	var req appointmentRequest
	if !bindJSON(c, &req, "invalid appointment payload") {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	appointment, err := a.appointments.Create(currentUser(c).ClinicID, service.AppointmentInput{
		PatientID: req.PatientID,
		Type:      req.Type,
		Date:      date,
		Notes:     req.Notes,
	})
	if err != nil {
		respondServiceError(c, err, "failed to create appointment")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"appointment": appointmentToPayload(*appointment)})
}

// ListAppointments 返回诊所全部就诊。
func (a *API) ListAppointments(c *gin.Context) {
	appointments, err := a.appointments.ListForClinic(currentUser(c).ClinicID)
	if err != nil {
		respondServiceError(c, err, "failed to list appointments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": mapSlice(appointments, appointmentToPayload)})
}

func (a *API) listCompletions(c *gin.Context, patientID uint) {
	from, err := parseDate(c.Query("from"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseDate(c.Query("to"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	filter := service.CompletionFilter{From: from, To: to}
	if raw := c.Query("protocolId"); raw != "" {
		id, err := parseUintQuery(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid protocolId")
			return
		}
		filter.ProtocolID = id
	}

	completions, err := a.completions.List(patientID, filter)
	if err != nil {
		respondServiceError(c, err, "failed to list completions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"completions": mapSlice(completions, completionToPayload)})
}

func (a *API) recordCompletion(c *gin.Context, patientID, recordedBy uint) {
	var req completionRequest
	if !bindJSON(c, &req, "invalid completion payload") {
		return
	}
	date, err := parseDate(req.InjectionDate)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if date == nil {
		respondError(c, http.StatusBadRequest, "injectionDate is required")
		return
	}

	completion, err := a.completions.Record(service.RecordInput{
		PatientID:     patientID,
		ProtocolID:    req.ProtocolID,
		InjectionDate: *date,
		InjectionTime: req.InjectionTime,
		RecordedByID:  recordedBy,
	})
	if err != nil {
		respondServiceError(c, err, "failed to record completion")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"completion": completionToPayload(*completion)})
}
