package models

import (
	"time"

	"github.com/uptrace/bun"
)

// TaskKind names the provisioning action the worker performs.
type TaskKind string

const (
	TaskAddProxy    TaskKind = "add_proxy"
	TaskRemoveProxy TaskKind = "remove_proxy"
)

// TaskStatus is the state of a task in the queue.
//
// pending -> processing -> done | error. The core only ever writes pending;
// the worker owns every other transition.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskError      TaskStatus = "error"
)

// TaskStatuses lists every status in lifecycle order.
var TaskStatuses = []TaskStatus{TaskPending, TaskProcessing, TaskDone, TaskError}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskDone, TaskError:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskError
}

// TaskPayload is what the worker needs to configure the remote proxy. The JSON
// field names are part of the worker wire contract.
type TaskPayload struct {
	IP         string `json:"ip" validate:"required,ip"`
	InternalIP string `json:"internal_ip" validate:"required"`
	Port       int    `json:"port" validate:"required,min=1,max=65535"`
	Login      string `json:"login" validate:"required"`
	Password   string `json:"password" validate:"required"`
	Protocol   string `json:"protocol" validate:"required"`
	Operator   string `json:"operator" validate:"required"`
}

// Task is a queued unit of remote provisioning work.
type Task struct {
	bun.BaseModel `bun:"table:proxy_task_queue,alias:t"`

	ID           int64       `bun:",pk,autoincrement"`
	TaskType     TaskKind    `bun:",notnull"`
	ServerIP     string      `bun:",notnull"`
	Payload      TaskPayload `bun:",type:jsonb,notnull"`
	Status       TaskStatus  `bun:",notnull,default:'pending'"`
	CreatedAt    time.Time   `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt    *time.Time  `bun:",nullzero"`
	ErrorMessage string      `bun:",nullzero"`
}

// TaskTarget is the join data a task payload is built from: the server a
// proxy lives on and the port and labels the worker configures it with.
type TaskTarget struct {
	ServerIP   string `bun:"server_ip"`
	InternalIP string `bun:"internal_ip"`
	Port       int    `bun:"port"`
	Protocol   string `bun:"protocol"`
	Operator   string `bun:"operator"`
}

func (t *TaskTarget) Payload(login, password string) TaskPayload {
	return TaskPayload{
		IP:         t.ServerIP,
		InternalIP: t.InternalIP,
		Port:       t.Port,
		Login:      login,
		Password:   password,
		Protocol:   t.Protocol,
		Operator:   t.Operator,
	}
}
