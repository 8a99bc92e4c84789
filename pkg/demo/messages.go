// Package demo is a small command/event domain used to exercise the bus
// from the command line: a calculator, a log command, greetings,
// notifications, a scheduled reminder and an approval-gated deploy.
package demo

import (
	"sessionbus/pkg/message"
)

const (
	KindCalculate    message.Kind = "demo.calculate"
	KindLog          message.Kind = "demo.log"
	KindDeploy       message.Kind = "demo.deploy"
	KindGreeting     message.Kind = "demo.greeting"
	KindNotification message.Kind = "demo.notification"
	KindReminder     message.Kind = "demo.reminder"
)

// Calculate applies Operation (add, subtract, multiply, divide) to
// Operands from left to right.
type Calculate struct {
	message.CommandMeta
	Operation string    `json:"operation"`
	Operands  []float64 `json:"operands"`
}

func (*Calculate) Kind() message.Kind { return KindCalculate }

// LogCommand writes Message to the log at Level (debug, info, warning,
// error).
type LogCommand struct {
	message.CommandMeta
	Message string `json:"message"`
	Level   string `json:"level"`
}

func (*LogCommand) Kind() message.Kind { return KindLog }

// Deploy needs an approval before it runs.
type Deploy struct {
	message.ApprovalMeta
	Target string `json:"target"`
}

func (*Deploy) Kind() message.Kind { return KindDeploy }

type Greeting struct {
	message.EventMeta
	Message string `json:"message"`
}

func (*Greeting) Kind() message.Kind { return KindGreeting }

type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

type Notification struct {
	message.EventMeta
	Message    string     `json:"message"`
	Importance Importance `json:"importance"`
}

func (*Notification) Kind() message.Kind { return KindNotification }

// Reminder is a scheduled event; pending reminders survive a restart.
type Reminder struct {
	message.ScheduleMeta
	Message string `json:"message"`
}

func (*Reminder) Kind() message.Kind { return KindReminder }

func init() {
	message.RegisterScheduled(func() message.Scheduled { return &Reminder{} })
}
