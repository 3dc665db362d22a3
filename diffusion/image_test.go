package diffusion

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/diffusion/internal/batch"
)

func TestReduceUnreduce(t *testing.T) {
	x, err := batch.FromFloats([]float32{0, 127.5, 255, 51}, 1, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	needs, err := NeedsReduce(x)
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Fatal("expected display range input to need reduction")
	}

	r, err := Reduce(x)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{-1, 0, 1, -0.6}, r.Data(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("reduce mismatch (-want +got):\n%s", diff)
	}

	needs, err = NeedsReduce(r)
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("reduced batch still reports needing reduction")
	}

	u, err := Unreduce(r)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Data(), u.Data(), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnreduceClamps(t *testing.T) {
	x, err := batch.FromFloats([]float32{-3, 2.5}, 1, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	u, err := Unreduce(x)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 255}, u.Data()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
