// Package reminder 实现每日注射提醒：
// 找出 today 有注射安排的患者，生成提醒并交给邮件通道，每位患者每天最多发送一次。
package reminder

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/aivf/internal/logger"
	"github.com/aivf/internal/mailer"
	"github.com/aivf/internal/schedule"
	"golang.org/x/sync/errgroup"
)

const (
	dateLayout             = "2006-01-02"
	fallbackMedicationName = "Medication"
)

// Candidate 是一位在 today 已开始分配的患者及其当前方案。
type Candidate struct {
	PatientID    uint
	Name         string
	Email        string
	ProtocolName string
	StartDate    time.Time
	Definition   schedule.Definition
}

// Item 是提醒中的一次注射。
type Item struct {
	MedicationName string
	Dosage         string
	Time           string
}

// Marker 记录某患者某天的提醒已被领取，返回 false 表示之前已经领取过。
type Marker interface {
	Mark(ctx context.Context, patientID uint, day time.Time) (bool, error)
}

// Report 汇总一次扫描的结果。
type Report struct {
	Date        time.Time
	Candidates  int
	Sent        int
	NothingDue  int
	AlreadySent int
	Failed      int
}

// Sweep 持有一次扫描需要的协作者，本身不读取时钟也不访问数据库。
type Sweep struct {
	sender      mailer.Sender
	marker      Marker
	log         *logger.Logger
	concurrency int
}

// NewSweep 构造 Sweep，marker 为空时不做去重。
func NewSweep(sender mailer.Sender, marker Marker, log *logger.Logger, concurrency int) *Sweep {
	if log == nil {
		log = logger.Nop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweep{
		sender:      sender,
		marker:      marker,
		log:         log.With("component", "ReminderSweep"),
		concurrency: concurrency,
	}
}

// Run 对每位候选患者独立处理，单个患者失败只记录日志，不影响其他患者。
// medicationNames 用于把药品 ID 解析为名称，缺失时使用通用名称。
func (s *Sweep) Run(ctx context.Context, today time.Time, candidates []Candidate, medicationNames map[uint]string) Report {
	day := schedule.Date(today)
	report := Report{Date: day, Candidates: len(candidates)}
	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, candidate := range candidates {
		candidate := candidate
		g.Go(func() error {
			switch s.notify(ctx, day, candidate, medicationNames) {
			case outcomeSent:
				count(&report.Sent)
			case outcomeNothingDue:
				count(&report.NothingDue)
			case outcomeAlreadySent:
				count(&report.AlreadySent)
			default:
				count(&report.Failed)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("reminder sweep finished",
		"date", day.Format(dateLayout),
		"candidates", report.Candidates,
		"sent", report.Sent,
		"nothing_due", report.NothingDue,
		"already_sent", report.AlreadySent,
		"failed", report.Failed,
	)
	return report
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSent
	outcomeNothingDue
	outcomeAlreadySent
)

func (s *Sweep) notify(ctx context.Context, day time.Time, candidate Candidate, medicationNames map[uint]string) outcome {
	if err := ctx.Err(); err != nil {
		s.log.Warn("reminder skipped, sweep cancelled", "patient_id", candidate.PatientID, "error", err)
		return outcomeFailed
	}

	due := schedule.DueOn(candidate.Definition, candidate.StartDate, day)
	if len(due) == 0 {
		return outcomeNothingDue
	}
	if candidate.Email == "" {
		s.log.Warn("reminder skipped, patient has no email", "patient_id", candidate.PatientID)
		return outcomeFailed
	}

	items := make([]Item, 0, len(due))
	for _, scheduled := range due {
		name := medicationNames[scheduled.Spec.MedicationID]
		if name == "" {
			name = fallbackMedicationName
		}
		items = append(items, Item{MedicationName: name, Dosage: scheduled.Spec.Dosage, Time: scheduled.Spec.Time})
	}

	msg, err := buildMessage(day, candidate, items)
	if err != nil {
		s.log.Error("render reminder", "patient_id", candidate.PatientID, "error", err)
		return outcomeFailed
	}

	if s.marker != nil {
		first, err := s.marker.Mark(ctx, candidate.PatientID, day)
		if err != nil {
			s.log.Error("mark reminder", "patient_id", candidate.PatientID, "error", err)
			return outcomeFailed
		}
		if !first {
			return outcomeAlreadySent
		}
	}

	// 已标记后发送失败不会重发，提醒最多送达一次
	if err := s.sender.Send(ctx, msg); err != nil {
		s.log.Error("send reminder", "patient_id", candidate.PatientID, "error", err)
		return outcomeFailed
	}
	s.log.Debug("reminder sent", "patient_id", candidate.PatientID, "injections", len(items))
	return outcomeSent
}

var reminderTemplate = template.Must(template.New("reminder").Parse(`<h1>Injection reminder</h1>
<p>Hello {{.Name}},</p>
<p>This is a reminder of your injections for today, {{.Date}}{{if .ProtocolName}} ({{.ProtocolName}}){{end}}:</p>
<ul>
{{- range .Items}}
<li><strong>{{.MedicationName}}</strong>{{if .Dosage}} {{.Dosage}}{{end}} at {{.Time}}</li>
{{- end}}
</ul>
<p>Please contact your clinic if you have any questions.</p>
`))

func buildMessage(day time.Time, candidate Candidate, items []Item) (mailer.Message, error) {
	name := candidate.Name
	if name == "" {
		name = "there"
	}
	var buf bytes.Buffer
	err := reminderTemplate.Execute(&buf, struct {
		Name         string
		Date         string
		ProtocolName string
		Items        []Item
	}{Name: name, Date: day.Format(dateLayout), ProtocolName: candidate.ProtocolName, Items: items})
	if err != nil {
		return mailer.Message{}, err
	}
	return mailer.Message{
		To:      candidate.Email,
		Subject: fmt.Sprintf("Your injection schedule for %s", day.Format(dateLayout)),
		HTML:    buf.String(),
	}, nil
}
