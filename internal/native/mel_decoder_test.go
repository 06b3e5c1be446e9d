package native

import "testing"

func TestMelDecoderShape(t *testing.T) {
	d, err := LoadMelDecoder(NewRandomVarBuilder(9), []int64{8, 16}, 10, 2, 3)
	if err != nil {
		t.Fatalf("LoadMelDecoder: %v", err)
	}

	if d.Width() != 256 {
		t.Fatalf("Width = %d, want 256", d.Width())
	}

	mel, err := d.Forward(rampTensor(t, 2, 7, 32))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !equalShape64(mel.Shape(), 2, 7, 10) {
		t.Fatalf("shape = %v, want [2 7 10]", mel.Shape())
	}

	empty, err := d.Forward(rampTensor(t, 1, 0, 32))
	if err != nil {
		t.Fatalf("Forward empty: %v", err)
	}

	if !equalShape64(empty.Shape(), 1, 0, 10) {
		t.Fatalf("empty shape = %v, want [1 0 10]", empty.Shape())
	}
}

func TestMelDecoderWideStageZero(t *testing.T) {
	d, err := LoadMelDecoder(NewRandomVarBuilder(9), []int64{160}, 4, 1, 3)
	if err != nil {
		t.Fatalf("LoadMelDecoder: %v", err)
	}

	if d.Width() != 320 {
		t.Fatalf("Width = %d, want 320", d.Width())
	}
}

func TestMelDecoderRejectsWrongWidth(t *testing.T) {
	d, err := LoadMelDecoder(NewRandomVarBuilder(9), []int64{8}, 10, 1, 3)
	if err != nil {
		t.Fatalf("LoadMelDecoder: %v", err)
	}

	if _, err := d.Forward(rampTensor(t, 1, 3, 8)); err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func TestLoadMelDecoderErrors(t *testing.T) {
	tests := []struct {
		name          string
		dims          []int64
		mel, depth, k int64
		want          string
	}{
		{"empty dims", nil, 80, 1, 3, "at least one stage dim"},
		{"zero depth", []int64{8}, 80, 0, 3, "depth"},
		{"even kernel", []int64{8}, 80, 1, 4, "odd"},
		{"zero mel", []int64{8}, 0, 1, 3, "mel channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMelDecoder(NewRandomVarBuilder(1), tt.dims, tt.mel, tt.depth, tt.k)
			assertErrContains(t, err, tt.want)
		})
	}
}
