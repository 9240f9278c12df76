package db

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	// RoleClinicAdmin 诊所管理员，可维护方案、药品并为患者分配方案。
	RoleClinicAdmin = "CLINIC_ADMIN"
	// RolePatient 患者，只能访问自己的日程与打卡记录。
	RolePatient = "PATIENT"
)

// Clinic 是租户边界，方案、药品、患者都归属于某个诊所。
type Clinic struct {
	gorm.Model
	Name string `gorm:"size:200;not null"`
}

// User 定义了用户模型
// Password 为空表示患者尚未通过设置链接设定密码
type User struct {
	gorm.Model
	Name        string `gorm:"size:200"`
	Email       string `gorm:"size:320;uniqueIndex;not null"`
	Password    string
	Role        string `gorm:"size:32;index;not null"`
	ClinicID    *uint  `gorm:"index"`
	Clinic      *Clinic
	DateOfBirth *time.Time
}

// HasPassword 报告用户是否已设置登录密码。
func (u User) HasPassword() bool {
	return strings.TrimSpace(u.Password) != ""
}

// InClinic 报告用户是否属于指定诊所。
func (u User) InClinic(clinicID uint) bool {
	return u.ClinicID != nil && *u.ClinicID == clinicID
}

// PasswordResetToken 记录设置密码链接，TokenID 与签名令牌中的 jti 对应，只能使用一次。
type PasswordResetToken struct {
	gorm.Model
	UserID    uint      `gorm:"index;not null"`
	TokenID   string    `gorm:"size:64;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	UsedAt    *time.Time
}
