package models

// PredictionRequest is the inbound body of /predict and one element of /batch/predict.
// Pointer fields let validation tell an absent field from a zero value.
type PredictionRequest struct {
	ID                   interface{} `json:"id,omitempty"`
	Lat                  *float64    `json:"lat"`
	Lon                  *float64    `json:"lon"`
	Hour                 *int        `json:"hour"`
	DayOfWeek            *string     `json:"dayOfWeek"`
	Weather              *string     `json:"weather,omitempty"`
	HistoricalDataPoints *int        `json:"historicalDataPoints,omitempty"`
}

// TemporalFeatures echoes the time inputs of a prediction.
type TemporalFeatures struct {
	Hour      int       `json:"hour"`
	DayOfWeek DayOfWeek `json:"day_of_week"`
}

// FeaturesUsed echoes every input that influenced a prediction.
type FeaturesUsed struct {
	Coordinates          [2]float64       `json:"coordinates"`
	Temporal             TemporalFeatures `json:"temporal"`
	Weather              WeatherCondition `json:"weather"`
	HistoricalDataPoints int              `json:"historical_data_points"`
}

// Prediction is the /predict response envelope.
type Prediction struct {
	Density      TrafficDensity `json:"prediction"`
	Confidence   float64        `json:"confidence"`
	ModelVersion string         `json:"model_version"`
	Timestamp    string         `json:"timestamp"`
	FeaturesUsed FeaturesUsed   `json:"features_used"`
}

// BatchItemError describes why a single batch item produced no prediction.
type BatchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// BatchPredictionResult is one entry of the /batch/predict results, in input order.
type BatchPredictionResult struct {
	ID         interface{}     `json:"id"`
	Density    TrafficDensity  `json:"prediction,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Error      *BatchItemError `json:"error,omitempty"`
}

// ModelInfo is the static metadata served by /model/info.
type ModelInfo struct {
	ModelName         string   `json:"model_name"`
	Version           string   `json:"version"`
	Algorithm         string   `json:"algorithm"`
	TrainingDataSize  string   `json:"training_data_size"`
	Accuracy          string   `json:"accuracy"`
	LastTrained       string   `json:"last_trained"`
	SupportedFeatures []string `json:"supported_features"`
}

// RetrainResult is the /model/retrain response.
type RetrainResult struct {
	Status              string `json:"status"`
	NewVersion          string `json:"new_version"`
	TrainingTime        string `json:"training_time"`
	AccuracyImprovement string `json:"accuracy_improvement"`
	Timestamp           string `json:"timestamp"`
}
