package types

// Zone is one monitored sector.
type Zone struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}
