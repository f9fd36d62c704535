// Package domain contains core domain types shared by the deciding and
// executing sides.
package domain

import "time"

// Viewport is the visible page area in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Box is an element bounding box in viewport coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Element is one clickable or interactive candidate on the page.
type Element struct {
	Tag      string `json:"tag"`
	Role     string `json:"role,omitempty"`
	Label    string `json:"label,omitempty"`
	Box      Box    `json:"box"`
	Href     string `json:"href,omitempty"`
	Value    string `json:"value,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Center returns the centre point of the element box.
func (e Element) Center() (int, int) {
	return e.Box.X + e.Box.W/2, e.Box.Y + e.Box.H/2
}

// Observation is a snapshot of the page supplied by the executor.
type Observation struct {
	URL       string    `json:"url"`
	Viewport  Viewport  `json:"viewport"`
	Elements  []Element `json:"elements"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a copy that shares no slices with o.
func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	c := *o
	c.Elements = append([]Element(nil), o.Elements...)
	return &c
}
