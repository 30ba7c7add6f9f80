package types

import (
	"image"
	"time"
)

// Frame is one decoded image from the capture source with metadata
type Frame struct {
	Image     image.Image // Decoded frame (nil or empty bounds means "no frame")
	Timestamp time.Time   // Frame capture timestamp
	Seq       uint64      // Sequential frame number
}

// Empty reports whether the frame carries no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Image == nil || f.Image.Bounds().Empty()
}

// BBox is an axis-aligned box in pixel coordinates (x1,y1 top-left; x2,y2 bottom-right).
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns x2-x1.
func (b BBox) Width() int { return b.X2 - b.X1 }

// Height returns y2-y1.
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// CenterY returns the vertical centre of the box.
func (b BBox) CenterY() float64 { return float64(b.Y1+b.Y2) / 2 }

// Rect converts the box to an image.Rectangle.
func (b BBox) Rect() image.Rectangle { return image.Rect(b.X1, b.Y1, b.X2, b.Y2) }

// Detection is one object located by the external detector in a frame.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// COCO class indices used by the threat classifier
const (
	ClassPerson     = 0
	ClassBottle     = 39
	ClassFork       = 42
	ClassKnife      = 43
	ClassRemote     = 65
	ClassScissors   = 76
	ClassToothbrush = 79
)
