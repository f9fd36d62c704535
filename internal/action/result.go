package action

// Region is a rectangle in viewport coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResultData is the typed payload returned by capture and read actions.
type ResultData struct {
	Mime     string  `json:"mime"`
	Text     string  `json:"text,omitempty"`
	HTML     string  `json:"html,omitempty"`
	Image    string  `json:"image,omitempty"` // base64 encoded
	Selector string  `json:"selector,omitempty"`
	Region   *Region `json:"region,omitempty"`
}

// Content returns the textual body of the payload, if it has one.
func (d *ResultData) Content() string {
	if d == nil {
		return ""
	}
	if d.Text != "" {
		return d.Text
	}
	return d.HTML
}
