package mockup

import (
	"errors"
	"image"
	"testing"

	"github.com/onnwee/mockup/internal/calibration"
)

func TestNewRequest(t *testing.T) {
	creative := []image.Image{solid(4, 4, red)}
	bad := 1.5
	ok := 0.5

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"creative", Request{LocationKey: "downtown", Creatives: creative}, false},
		{"prompt", Request{LocationKey: "downtown", Prompt: "a cat"}, false},
		{"all filters", Request{LocationKey: "downtown", Filters: Filters{TimeOfDay: "ALL", Finish: "all"}, Creatives: creative}, false},
		{"override", Request{LocationKey: "downtown", Creatives: creative, FrameOverrides: map[int]calibration.FrameConfig{0: {ToneStrength: &ok}}}, false},
		{"missing location", Request{Creatives: creative}, true},
		{"bad location", Request{LocationKey: "down town", Creatives: creative}, true},
		{"bad time of day", Request{LocationKey: "downtown", Filters: Filters{TimeOfDay: "dusk"}, Creatives: creative}, true},
		{"bad finish", Request{LocationKey: "downtown", Filters: Filters{Finish: "bronze"}, Creatives: creative}, true},
		{"neither creative nor prompt", Request{LocationKey: "downtown", Prompt: "   "}, true},
		{"both creative and prompt", Request{LocationKey: "downtown", Creatives: creative, Prompt: "a cat"}, true},
		{"nil creative", Request{LocationKey: "downtown", Creatives: []image.Image{nil}}, true},
		{"empty creative", Request{LocationKey: "downtown", Creatives: []image.Image{image.NewNRGBA(image.Rect(0, 0, 0, 0))}}, true},
		{"path in specific photo", Request{LocationKey: "downtown", Filters: Filters{SpecificPhoto: "../x.png"}, Creatives: creative}, true},
		{"specific photo with variants", Request{LocationKey: "downtown", Filters: Filters{SpecificPhoto: "x.png"}, Creatives: creative, Variants: 2}, true},
		{"too many variants", Request{LocationKey: "downtown", Creatives: creative, Variants: MaxVariants + 1}, true},
		{"negative variants", Request{LocationKey: "downtown", Creatives: creative, Variants: -1}, true},
		{"negative override index", Request{LocationKey: "downtown", Creatives: creative, FrameOverrides: map[int]calibration.FrameConfig{-1: {}}}, true},
		{"override out of range", Request{LocationKey: "downtown", Creatives: creative, FrameOverrides: map[int]calibration.FrameConfig{0: {ToneStrength: &bad}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("NewRequest() error = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Errorf("NewRequest() error: %v", err)
			}
		})
	}
}

func TestNewRequest_Normalizes(t *testing.T) {
	req, err := NewRequest(Request{
		LocationKey: "  DownTown ",
		Filters:     Filters{TimeOfDay: "Night", Finish: "ALL", SpecificPhoto: " front.png "},
		Prompt:      " neon sign ",
	})
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	want := Filters{TimeOfDay: "night", Finish: "", SpecificPhoto: "front.png"}
	if req.LocationKey != "downtown" || req.Filters != want || req.Prompt != "neon sign" || req.Variants != 1 {
		t.Errorf("NewRequest() = %+v", req)
	}
}

func TestRequest_FrameConfig(t *testing.T) {
	stored := 0.2
	override := 0.9
	on := true
	r := Request{FrameOverrides: map[int]calibration.FrameConfig{1: {ToneStrength: &override}}}
	base := calibration.FrameConfig{ToneStrength: &stored, DepthEnabled: &on}

	if got := r.frameConfig(0, base); *got.ToneStrength != 0.2 {
		t.Errorf("frame 0 tone = %v, want stored 0.2", *got.ToneStrength)
	}
	got := r.frameConfig(1, base)
	if *got.ToneStrength != 0.9 || got.DepthEnabled == nil || !*got.DepthEnabled {
		t.Errorf("frame 1 config = %+v", got)
	}
}

func TestChoosers(t *testing.T) {
	for _, c := range []Chooser{RandomChooser{}, NewSeededChooser(1)} {
		got := c.Choose(5, 3)
		if len(got) != 3 {
			t.Fatalf("Choose(5, 3) returned %d indices", len(got))
		}
		seen := map[int]bool{}
		for _, i := range got {
			if i < 0 || i >= 5 || seen[i] {
				t.Errorf("Choose(5, 3) = %v", got)
			}
			seen[i] = true
		}
		if n := len(c.Choose(2, 5)); n != 2 {
			t.Errorf("Choose(2, 5) returned %d indices, want 2", n)
		}
	}

	a, b := NewSeededChooser(42), NewSeededChooser(42)
	for i := 0; i < 5; i++ {
		x, y := a.Choose(10, 1)[0], b.Choose(10, 1)[0]
		if x != y {
			t.Fatalf("seeded choosers diverged: %d != %d", x, y)
		}
	}
}
