package taskdispatch

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var ipcJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies one master/worker control message.
type MessageType string

const (
	MsgRequest          MessageType = "Request"
	MsgWorkerExit       MessageType = "Worker_Exit"
	MsgWorkerOnline     MessageType = "Worker_Online"
	MsgMasterDisconnect MessageType = "Master_Disconnect"
	MsgTaskDone         MessageType = "Task_Done"
	MsgTaskHandle       MessageType = "Task_Handle"
)

// Envelope is the single wire shape exchanged between master and workers.
// Data is an encoded payload whose concrete type follows from Type.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      []byte      `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	From      string      `json:"from"`
	WorkerID  int         `json:"workerId"`
}

// TaskAssignment is the MsgTaskHandle payload.
type TaskAssignment struct {
	TaskID   string `json:"taskId"`
	DeviceID string `json:"deviceId"`
}

// TaskOutcome is the MsgTaskDone payload.
type TaskOutcome struct {
	TaskID   string `json:"taskId"`
	DeviceID string `json:"deviceId"`
	RecordID string `json:"recordId,omitempty"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
}

// NewEnvelope encodes payload into an envelope of the given type.
func NewEnvelope(t MessageType, from string, workerID int, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		From:      from,
		WorkerID:  workerID,
	}
	if payload == nil {
		return env, nil
	}
	data, err := ipcJSON.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "encode %s payload", t)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return errors.Errorf("%s envelope has no payload", e.Type)
	}
	return errors.Wrapf(ipcJSON.Unmarshal(e.Data, out), "decode %s payload", e.Type)
}

// Mailbox is one worker's bidirectional channel pair as seen by the master.
// Inbox carries master-to-worker traffic, outbox worker-to-master.
type Mailbox struct {
	ID     int
	inbox  chan Envelope
	outbox chan Envelope
}

// NewMailbox allocates the channel pair for one worker slot.
func NewMailbox(id int, buffer int) *Mailbox {
	if buffer <= 0 {
		buffer = 64
	}
	return &Mailbox{
		ID:     id,
		inbox:  make(chan Envelope, buffer),
		outbox: make(chan Envelope, buffer),
	}
}

// Send delivers an envelope to the worker. It reports false when the worker
// is gone or its inbox is saturated, matching a dead child process.
func (m *Mailbox) Send(env Envelope) bool {
	select {
	case m.inbox <- env:
		return true
	default:
		return false
	}
}

// Report delivers an envelope from the worker to the master.
func (m *Mailbox) Report(env Envelope) bool {
	select {
	case m.outbox <- env:
		return true
	default:
		return false
	}
}

// Inbox exposes the worker-side receive channel.
func (m *Mailbox) Inbox() <-chan Envelope { return m.inbox }

// Outbox exposes the master-side receive channel.
func (m *Mailbox) Outbox() <-chan Envelope { return m.outbox }
