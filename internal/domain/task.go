package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Finished 是否已结束
func (s TaskStatus) Finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskSource 任务来源
type TaskSource string

const (
	TaskSourceAPI     TaskSource = "api"
	TaskSourceQueue   TaskSource = "queue"
	TaskSourceWatcher TaskSource = "watcher"
	TaskSourceCLI     TaskSource = "cli"
)

// RepackTask 重打包任务表
type RepackTask struct {
	ID        string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SourceAPK string     `gorm:"type:varchar(512);not null;index:idx_source_apk" json:"source_apk"`
	Source    TaskSource `gorm:"type:varchar(20);default:'api'" json:"source"`

	// 请求参数，为空表示保持不变
	PackageName string `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	DisplayName string `gorm:"type:varchar(255)" json:"display_name,omitempty"`
	IconPath    string `gorm:"type:varchar(1024)" json:"icon_path,omitempty"`

	Status          TaskStatus `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	State           string     `gorm:"type:varchar(30)" json:"state,omitempty"` // 流程状态
	ProgressPercent int        `gorm:"default:0" json:"progress_percent"`
	FailedStage     string     `gorm:"type:varchar(20)" json:"failed_stage,omitempty"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`

	// 运行结果
	RunID      string `gorm:"type:varchar(36)" json:"run_id,omitempty"`
	OldPackage string `gorm:"type:varchar(255)" json:"old_package,omitempty"`
	Channel    string `gorm:"type:varchar(255)" json:"channel,omitempty"`
	FinalAPK   string `gorm:"type:varchar(1024)" json:"final_apk,omitempty"`
	CacheDir   string `gorm:"type:varchar(1024)" json:"cache_dir,omitempty"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (RepackTask) TableName() string {
	return "repack_tasks"
}

// Duration 任务耗时，未开始或未结束返回 0
func (t *RepackTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
