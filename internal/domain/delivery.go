package domain

// SurveyDelivery is everything the delivery handler needs to send one survey.
type SurveyDelivery struct {
	ProjectID   string
	ProjectName string
	Patient     Patient
	StrategyID  string
	FrequencyID string
	SurveyIDs   []string
	ScheduleID  string
}

// DeliveryResult is what the delivery handler reports back.
type DeliveryResult struct {
	Delivered  bool
	TrackingID string
}
