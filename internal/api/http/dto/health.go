package dto

type HealthResponse struct {
	Status       string `json:"status"`
	Agents       int    `json:"agents"`
	UISockets    int    `json:"uiSockets"`
	RetainedJobs int    `json:"retainedJobs"`
}
