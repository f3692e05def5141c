package entity

import "testing"

func TestNounRoundTrip(t *testing.T) {
	n := Noun{
		ID:     "11111111-1111-4111-8111-111111111111",
		Vector: []float32{0.1, 0.2, 0.3},
		Level:  2,
		Connections: map[uint8][]string{
			0: {"a", "b"},
			2: {"c"},
		},
	}

	data, err := EncodeNoun(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeNoun(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != n.ID || got.Level != n.Level || len(got.Vector) != len(n.Vector) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, n)
	}
	if len(got.Connections[0]) != 2 || len(got.Connections[2]) != 1 {
		t.Fatalf("connections mismatch: %+v", got.Connections)
	}
}

func TestVerbMetadataValidate(t *testing.T) {
	cases := []struct {
		name    string
		m       VerbMetadata
		wantErr bool
	}{
		{"valid", VerbMetadata{SourceID: "a", TargetID: "b", Verb: VerbBuiltOn, Weight: 0.5}, false},
		{"self edge", VerbMetadata{SourceID: "a", TargetID: "a", Verb: VerbBuiltOn, Weight: 0.5}, true},
		{"unknown verb", VerbMetadata{SourceID: "a", TargetID: "b", Verb: "NotReal", Weight: 0.5}, true},
		{"bad weight", VerbMetadata{SourceID: "a", TargetID: "b", Verb: VerbBuiltOn, Weight: 1.5}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	if got := CosineSimilarity(a, b); got < 0.999 {
		t.Fatalf("expected ~1.0, got %v", got)
	}
	c := []float32{0, 1, 0}
	if got := CosineSimilarity(a, c); got > 0.001 || got < -0.001 {
		t.Fatalf("expected ~0.0, got %v", got)
	}
}

func TestNounTypeTaxonomySize(t *testing.T) {
	if len(NounTypes) != 42 {
		t.Fatalf("expected 42 noun types, got %d", len(NounTypes))
	}
	if len(VerbTypes) != 127 {
		t.Fatalf("expected 127 verb types, got %d", len(VerbTypes))
	}
}
