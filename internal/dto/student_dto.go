package dto

import "time"

type StudentResponse struct {
	ExternalStudentID string     `json:"external_student_id"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	Source            string     `json:"source"`
	LastVerifiedAt    *time.Time `json:"last_verified_at"`
}

type StudentListResponse struct {
	Students []StudentResponse `json:"students"`
}

type RevalidateResponse struct {
	Validated bool `json:"validated"`
	Students  int  `json:"students"`
}

type HealthResponse struct {
	Status    string                      `json:"status"`
	Timestamp string                      `json:"timestamp"`
	DB        string                      `json:"db"`
	Sources   map[string]map[string]int64 `json:"sources"`
}
