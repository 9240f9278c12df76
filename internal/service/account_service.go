package service

import (
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/aivf/internal/db"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	setupTokenPurpose = "set_password"
	setupTokenTTL     = time.Hour
	minPasswordLength = 8
)

// AccountService 负责诊所注册、患者建档、设置密码与登录校验。
type AccountService struct {
	db     *gorm.DB
	secret []byte
	now    func() time.Time
}

// RegisterClinicInput 描述诊所与首个管理员的注册信息。
type RegisterClinicInput struct {
	ClinicName string
	FullName   string
	Email      string
	Password   string
}

// CreatePatientInput 描述诊所为患者建档所需字段，患者密码通过设置链接自行设定。
type CreatePatientInput struct {
	ClinicID    uint
	FullName    string
	Email       string
	DateOfBirth *time.Time
}

type setupClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// NewAccountService 构造 AccountService，secret 用于签发设置密码令牌。
func NewAccountService(gdb *gorm.DB, secret string) *AccountService {
	return &AccountService{db: gdb, secret: []byte(secret), now: time.Now}
}

// SetClock 替换时间来源，测试中使用。
func (s *AccountService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RegisterClinic 在同一事务中创建诊所及其管理员。
func (s *AccountService) RegisterClinic(input RegisterClinicInput) (*db.User, error) {
	clinicName := strings.TrimSpace(input.ClinicName)
	fullName := strings.TrimSpace(input.FullName)
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if clinicName == "" {
		return nil, validationErrorf("clinic name is required for clinic accounts")
	}
	if fullName == "" {
		return nil, validationErrorf("full name is required")
	}
	hashed, err := hashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	var user db.User
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := ensureEmailFree(tx, email); err != nil {
			return err
		}
		clinic := db.Clinic{Name: clinicName}
		if err := tx.Create(&clinic).Error; err != nil {
			return fmt.Errorf("create clinic: %w", err)
		}
		user = db.User{
			Name:     fullName,
			Email:    email,
			Password: hashed,
			Role:     db.RoleClinicAdmin,
			ClinicID: &clinic.ID,
			Clinic:   &clinic,
		}
		if err := tx.Omit("Clinic").Create(&user).Error; err != nil {
			if db.IsDuplicate(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("create clinic admin: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureClinicAdmin 在管理员邮箱不存在时创建诊所与管理员，已存在则直接返回。
func (s *AccountService) EnsureClinicAdmin(input RegisterClinicInput) (*db.User, bool, error) {
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, false, err
	}
	var existing db.User
	err = s.db.Where("email = ?", email).First(&existing).Error
	if err == nil {
		if existing.Role != db.RoleClinicAdmin {
			return nil, false, ErrEmailTaken
		}
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("find user: %w", err)
	}
	user, err := s.RegisterClinic(input)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// CreatePatient 创建患者账号并签发一次性的设置密码令牌。
func (s *AccountService) CreatePatient(input CreatePatientInput) (*db.User, string, error) {
	fullName := strings.TrimSpace(input.FullName)
	if fullName == "" {
		return nil, "", validationErrorf("name and email are required")
	}
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, "", err
	}
	if input.ClinicID == 0 {
		return nil, "", validationErrorf("user is not associated with a clinic")
	}

	clinicID := input.ClinicID
	patient := db.User{
		Name:        fullName,
		Email:       email,
		Role:        db.RolePatient,
		ClinicID:    &clinicID,
		DateOfBirth: input.DateOfBirth,
	}

	var token string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&db.Clinic{}, clinicID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrClinicNotFound
			}
			return fmt.Errorf("find clinic: %w", err)
		}
		if err := ensureEmailFree(tx, email); err != nil {
			return err
		}
		if err := tx.Create(&patient).Error; err != nil {
			if db.IsDuplicate(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("create patient: %w", err)
		}
		signed, err := s.issueSetupToken(tx, patient.ID)
		if err != nil {
			return err
		}
		token = signed
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return &patient, token, nil
}

// IssueSetupToken 为已有用户重新签发设置密码令牌。
func (s *AccountService) IssueSetupToken(userID uint) (string, error) {
	if err := s.db.First(&db.User{}, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrPatientNotFound
		}
		return "", fmt.Errorf("find user: %w", err)
	}
	return s.issueSetupToken(s.db, userID)
}

func (s *AccountService) issueSetupToken(tx *gorm.DB, userID uint) (string, error) {
	now := s.now()
	jti := uuid.NewString()
	record := db.PasswordResetToken{UserID: userID, TokenID: jti, ExpiresAt: now.Add(setupTokenTTL).UTC()}
	if err := tx.Create(&record).Error; err != nil {
		return "", fmt.Errorf("store setup token: %w", err)
	}

	claims := setupClaims{
		Purpose: setupTokenPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(setupTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign setup token: %w", err)
	}
	return signed, nil
}

// SetPassword 校验设置密码令牌并写入新的密码哈希，令牌只能使用一次。
func (s *AccountService) SetPassword(token, password string) error {
	claims := &setupClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || claims.Purpose != setupTokenPurpose || claims.ID == "" {
		return ErrTokenInvalid
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return ErrTokenInvalid
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		// 条件更新保证并发请求中只有一个能消费令牌
		res := tx.Model(&db.PasswordResetToken{}).
			Where("token_id = ? AND user_id = ? AND used_at IS NULL AND expires_at > ?", claims.ID, userID, now).
			Update("used_at", now)
		if res.Error != nil {
			return fmt.Errorf("consume setup token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrTokenInvalid
		}
		if err := tx.Model(&db.User{}).Where("id = ?", userID).Update("password", hashed).Error; err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		return nil
	})
}

// Authenticate 校验邮箱与密码。
func (s *AccountService) Authenticate(email, password string) (*db.User, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var user db.User
	if err := s.db.Where("email = ?", normalized).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !user.HasPassword() {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// GetUser 根据 ID 获取用户。
func (s *AccountService) GetUser(id uint) (*db.User, error) {
	var user db.User
	if err := s.db.Preload("Clinic").First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// ListPatients 返回诊所下的患者，按姓名排序。
func (s *AccountService) ListPatients(clinicID uint) ([]db.User, error) {
	var patients []db.User
	if err := s.db.Where("clinic_id = ? AND role = ?", clinicID, db.RolePatient).
		Order("name ASC").
		Find(&patients).Error; err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

// GetPatientInClinic 获取属于指定诊所的患者，不属于时视为不存在。
func (s *AccountService) GetPatientInClinic(clinicID, patientID uint) (*db.User, error) {
	return findPatientInClinic(s.db, clinicID, patientID)
}

func findPatientInClinic(tx *gorm.DB, clinicID, patientID uint) (*db.User, error) {
	var patient db.User
	if err := tx.Where("id = ? AND clinic_id = ? AND role = ?", patientID, clinicID, db.RolePatient).
		First(&patient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("find patient: %w", err)
	}
	return &patient, nil
}

func ensureEmailFree(tx *gorm.DB, email string) error {
	var count int64
	if err := tx.Model(&db.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if count > 0 {
		return ErrEmailTaken
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", validationErrorf("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationErrorf("invalid email address")
	}
	return email, nil
}

func hashPassword(password string) (string, error) {
	if len(strings.TrimSpace(password)) < minPasswordLength {
		return "", validationErrorf("password must be at least %d characters", minPasswordLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}
