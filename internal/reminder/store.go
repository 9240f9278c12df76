package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/schedule"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// LoadCandidates 返回 today 已开始分配的患者，每位患者只取开始日期最近的一条分配。
func LoadCandidates(ctx context.Context, gdb *gorm.DB, today time.Time) ([]Candidate, error) {
	var assignments []db.ProtocolAssignment
	if err := gdb.WithContext(ctx).
		Preload("Patient").
		Preload("Protocol").
		Where("start_date <= ?", schedule.Date(today)).
		Order("patient_id ASC").
		Order("start_date DESC").
		Order("id DESC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("load active assignments: %w", err)
	}

	candidates := make([]Candidate, 0, len(assignments))
	seen := make(map[uint]struct{}, len(assignments))
	for _, assignment := range assignments {
		if _, ok := seen[assignment.PatientID]; ok {
			continue
		}
		seen[assignment.PatientID] = struct{}{}
		candidates = append(candidates, Candidate{
			PatientID:    assignment.PatientID,
			Name:         assignment.Patient.Name,
			Email:        strings.TrimSpace(assignment.Patient.Email),
			ProtocolName: assignment.Protocol.Name,
			StartDate:    assignment.StartDate,
			Definition:   assignment.Protocol.Definition(),
		})
	}
	return candidates, nil
}

// LoadMedicationNames 返回候选方案中引用到的药品名称。
func LoadMedicationNames(ctx context.Context, gdb *gorm.DB, candidates []Candidate) (map[uint]string, error) {
	seen := make(map[uint]struct{})
	ids := []uint{}
	for _, candidate := range candidates {
		for _, id := range candidate.Definition.MedicationIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	names := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var medications []db.Medication
	if err := gdb.WithContext(ctx).Select("id", "name").Where("id IN ?", ids).Find(&medications).Error; err != nil {
		return nil, fmt.Errorf("load medication names: %w", err)
	}
	for _, m := range medications {
		names[m.ID] = m.Name
	}
	return names, nil
}

// GormMarker 用 reminder_dispatches 表的唯一索引保证每位患者每天只领取一次。
type GormMarker struct {
	db *gorm.DB
}

// NewGormMarker 构造 GormMarker。
func NewGormMarker(gdb *gorm.DB) *GormMarker {
	return &GormMarker{db: gdb}
}

// Mark 插入发送记录，唯一冲突表示已经发送过。
func (m *GormMarker) Mark(ctx context.Context, patientID uint, day time.Time) (bool, error) {
	record := db.ReminderDispatch{PatientID: patientID, ReminderDate: schedule.Date(day)}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark reminder: %w", err)
	}
	return true, nil
}

// RedisMarker 用 SETNX 标记，适合多实例部署共享去重状态。
type RedisMarker struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMarker 根据 REDIS_URL 形式的地址构造 RedisMarker 并检查连通性。
func NewRedisMarker(ctx context.Context, url string) (*RedisMarker, error) {
	opts, err := goredis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisMarker(rdb), nil
}

func newRedisMarker(rdb *goredis.Client) *RedisMarker {
	return &RedisMarker{rdb: rdb, prefix: "aivf:reminder", ttl: 48 * time.Hour}
}

// Mark 以患者与日期为键执行 SETNX。
func (m *RedisMarker) Mark(ctx context.Context, patientID uint, day time.Time) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, m.key(patientID, day), 1, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark reminder: %w", err)
	}
	return ok, nil
}

// Close 关闭 redis 连接。
func (m *RedisMarker) Close() error {
	return m.rdb.Close()
}

func (m *RedisMarker) key(patientID uint, day time.Time) string {
	return fmt.Sprintf("%s:%s:%d", m.prefix, schedule.Date(day).Format(dateLayout), patientID)
}
