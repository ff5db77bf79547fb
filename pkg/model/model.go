package model

import (
	"fmt"
	"time"
)

// CameraID is the producer identity carried in frames and events.
type CameraID uint8

const (
	CameraUnset CameraID = 0x00
	Camera1     CameraID = 0x01
	Camera2     CameraID = 0x02
)

// IdentityOffset is the byte position of the identity tag inside a binary frame.
const IdentityOffset = 12

// Valid reports whether c is an assignable identity.
func (c CameraID) Valid() bool {
	return c == Camera1 || c == Camera2
}

func (c CameraID) String() string {
	if c == CameraUnset {
		return "unset"
	}
	return fmt.Sprintf("camera-%d", uint8(c))
}

// IdentityTag extracts the identity tag embedded in a frame. The second return value is
// false when the frame is too short or the tag is outside the known identity set.
func IdentityTag(frame []byte) (CameraID, bool) {
	if len(frame) <= IdentityOffset {
		return CameraUnset, false
	}
	id := CameraID(frame[IdentityOffset])
	if !id.Valid() {
		return CameraUnset, false
	}
	return id, true
}

// MessageKind distinguishes control (text) from frame (binary) messages.
type MessageKind int

const (
	KindText MessageKind = iota + 1
	KindBinary
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

const (
	MessageTypeStatus = "status"
	MessageTypeMotion = "motion"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

type StatusMessage struct {
	Type   string   `json:"type"`
	Camera CameraID `json:"camera"`
	Status string   `json:"status"`
}

type MotionMessage struct {
	Type     string   `json:"type"`
	Camera   CameraID `json:"camera"`
	Detected bool     `json:"detected"`
}

// ControlMessage is the shape accepted from producers on the text channel.
// Detected is a pointer so a missing field can be told apart from false.
type ControlMessage struct {
	Type     string `json:"type"`
	Detected *bool  `json:"detected"`
}

// IsMotion reports whether m carries a complete motion event.
func (m ControlMessage) IsMotion() bool {
	return m.Type == MessageTypeMotion && m.Detected != nil
}

func NewStatusMessage(camera CameraID, status string) StatusMessage {
	return StatusMessage{Type: MessageTypeStatus, Camera: camera, Status: status}
}

func NewMotionMessage(camera CameraID, detected bool) MotionMessage {
	return MotionMessage{Type: MessageTypeMotion, Camera: camera, Detected: detected}
}

// SlotInfo describes an occupied producer slot for the HTTP API.
type SlotInfo struct {
	Slot         int       `json:"slot"`
	SessionID    string    `json:"sessionId"`
	Camera       CameraID  `json:"camera"`
	Remote       string    `json:"remote"`
	AdmittedAt   time.Time `json:"admittedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// CameraStatus is the journaled last-known state of one camera.
type CameraStatus struct {
	Camera    int    `json:"camera" dynamodbav:"camera"`
	Status    string `json:"status" dynamodbav:"status"`
	Timestamp int64  `json:"timestamp" dynamodbav:"timestamp"`
}
