package course

import "time"

type Course struct {
	ID         string    `gorm:"column:id;primaryKey;type:char(26)"`
	Name       string    `gorm:"column:name;type:varchar(255);not null"`
	Code       string    `gorm:"column:code;type:varchar(50);index"`
	Term       string    `gorm:"column:term;type:varchar(50)"`
	ExternalID string    `gorm:"column:external_id;index"`
	Enabled    bool      `gorm:"column:enabled;default:true"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// Assignment mirrors the external source-of-record assignment. Points and
// due date feed the grading-channel metadata message.
type Assignment struct {
	ID               string    `gorm:"column:id;primaryKey;type:char(26)"`
	CourseID         string    `gorm:"column:course_id;index;not null"`
	Name             string    `gorm:"column:name;type:varchar(255);not null"`
	ExternalID       string    `gorm:"column:external_id;index"`
	Points           float64   `gorm:"column:points"`
	ExternalMaxScore float64   `gorm:"column:external_max_score"`
	DueDate          time.Time `gorm:"column:due_date"`
	UnlockDate       time.Time `gorm:"column:unlock_date"`
	Enabled          bool      `gorm:"column:enabled;default:true"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

type CourseMember struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	CourseID  string    `gorm:"column:course_id;index;not null"`
	UserID    string    `gorm:"column:user_id;index;not null"`
	Role      string    `gorm:"column:role;type:varchar(20);default:'student'"`
	CWID      string    `gorm:"column:cwid;type:varchar(20);index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
