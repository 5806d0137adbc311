package models

import "time"

type PermissionStatus string

const (
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionPrompt  PermissionStatus = "prompt"
)

type Position struct {
	Latitude  float64   `json:"latitud"`
	Longitude float64   `json:"longitud"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingState is the snapshot exposed by the tracking service.
type TrackingState struct {
	IsTracking       bool             `json:"isTracking"`
	LastPosition     *Position        `json:"lastPosition,omitempty"`
	PermissionStatus PermissionStatus `json:"permissionStatus"`
	LastPushAt       *time.Time       `json:"lastPushAt,omitempty"`
	LastHeartbeatAt  *time.Time       `json:"lastHeartbeatAt,omitempty"`
}
