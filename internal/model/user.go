package model

import (
	"time"
)

type UserRole string

const (
	Instructor UserRole = "instructor"
	Admin      UserRole = "admin"
)

// User 仪表盘账号（教师/管理员），学习者不在本引擎建账号
// swagger:model User
type User struct {
	BaseModel
	Name      string    `gorm:"size:100;not null" json:"Name"`
	Email     string    `gorm:"size:100;unique;not null" json:"Email"`
	Password  string    `gorm:"size:100;not null" json:"-"`
	Role      UserRole  `gorm:"size:16;default:'instructor'" json:"Role"`
	TenantID  string    `gorm:"size:64;index" json:"tenantId"`
	Disabled  bool      `gorm:"default:false" json:"Disabled"`
	LastLogin time.Time `gorm:"default:CURRENT_TIMESTAMP(3)" json:"LastLogin"`
	LastSeen  time.Time `gorm:"default:CURRENT_TIMESTAMP(3)" json:"LastSeen"`
}

func (User) TableName() string {
	return "users"
}
