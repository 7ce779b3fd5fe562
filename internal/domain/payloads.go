package domain

// Task payloads carried in Job.Data. The start services marshal them at
// enqueue time and the processors decode them on delivery. Large inputs
// (content snapshots) live on the companion rows, not here.

// ParsingPayload drives the parsing queue.
type ParsingPayload struct {
	CVID string `json:"cvId"`
}

// OptimizationPayload drives the optimization queue.
type OptimizationPayload struct {
	CVID           string   `json:"cvId"`
	TargetRole     string   `json:"targetRole"`
	JobDescription string   `json:"jobDescription,omitempty"`
	Sections       []string `json:"sections,omitempty"`
}

// AtsPayload drives the ats queue.
type AtsPayload struct {
	CVID string       `json:"cvId"`
	Type AnalysisType `json:"analysisType"`
}

// GenerationPayload drives the generation queue. The rendered input is
// snapshotted on the Generation companion; the payload keeps only the
// provenance ids and render settings.
type GenerationPayload struct {
	CVID          string        `json:"cvId,omitempty"`
	VersionID     string        `json:"versionId,omitempty"`
	OutputFormat  OutputFormat  `json:"outputFormat"`
	TemplateID    string        `json:"templateId"`
	Customization Customization `json:"customization"`
}

// WebhookDeliveryPayload drives the webhook_delivery queue.
type WebhookDeliveryPayload struct {
	DeliveryID string `json:"deliveryId"`
	WebhookID  string `json:"webhookId"`
}
