package engine

import (
	"errors"
	"reflect"
	"testing"
)

func TestTopoSortDiamond(t *testing.T) {
	nodes := []StepNode{
		{ID: "a"},
		{ID: "b", Deps: []string{"a"}},
		{ID: "c", Deps: []string{"a"}},
		{ID: "d", Deps: []string{"b", "c"}},
	}
	sorted, err := TopoSort(nodes)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	got := make([]string, len(sorted))
	for i, n := range sorted {
		got[i] = n.ID
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTopoSortDeterministicAcrossSimultaneousReady(t *testing.T) {
	nodes := []StepNode{
		{ID: "x"},
		{ID: "y"},
		{ID: "z"},
	}
	for i := 0; i < 10; i++ {
		sorted, err := TopoSort(nodes)
		if err != nil {
			t.Fatalf("TopoSort: %v", err)
		}
		got := make([]string, len(sorted))
		for j, n := range sorted {
			got[j] = n.ID
		}
		want := []string{"x", "y", "z"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: got %v, want %v", i, got, want)
		}
	}
}

func TestTopoSortCycleDetected(t *testing.T) {
	nodes := []StepNode{
		{ID: "a", Deps: []string{"b"}},
		{ID: "b", Deps: []string{"a"}},
	}
	_, err := TopoSort(nodes)
	var dagErr *DAGError
	if !errors.As(err, &dagErr) || dagErr.Code != ErrCycleDetected {
		t.Fatalf("expected cycle detected error, got %v", err)
	}
}

func TestTopoSortMissingDependency(t *testing.T) {
	nodes := []StepNode{
		{ID: "a", Deps: []string{"ghost"}},
	}
	_, err := TopoSort(nodes)
	var dagErr *DAGError
	if !errors.As(err, &dagErr) || dagErr.Code != ErrMissingDependency || dagErr.Missing != "ghost" {
		t.Fatalf("expected missing dependency error naming 'ghost', got %v", err)
	}
}

func TestTopoSortDuplicateStepID(t *testing.T) {
	nodes := []StepNode{
		{ID: "a"},
		{ID: "a"},
	}
	_, err := TopoSort(nodes)
	var dagErr *DAGError
	if !errors.As(err, &dagErr) || dagErr.Code != ErrDuplicateStepID {
		t.Fatalf("expected duplicate step id error, got %v", err)
	}
}

func TestGroupIntoBatchesLevels(t *testing.T) {
	nodes := []StepNode{
		{ID: "a"},
		{ID: "b", Deps: []string{"a"}},
		{ID: "c", Deps: []string{"a"}},
		{ID: "d", Deps: []string{"b", "c"}},
	}
	sorted, err := TopoSort(nodes)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	batches := GroupIntoBatches(sorted)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 1 || batches[0][0].ID != "a" {
		t.Fatalf("batch 0 = %v, want [a]", batches[0])
	}
	if len(batches[1]) != 2 {
		t.Fatalf("batch 1 = %v, want len 2", batches[1])
	}
	if len(batches[2]) != 1 || batches[2][0].ID != "d" {
		t.Fatalf("batch 2 = %v, want [d]", batches[2])
	}
}

func TestGroupIntoBatchesAllIndependent(t *testing.T) {
	nodes := []StepNode{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	sorted, err := TopoSort(nodes)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	batches := GroupIntoBatches(sorted)
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected a single batch of 3, got %v", batches)
	}
}

func TestTopoSortAndBatchingAreDeterministicForIdenticalInput(t *testing.T) {
	nodes := []StepNode{
		{ID: "build"},
		{ID: "lint"},
		{ID: "test", Deps: []string{"build"}},
		{ID: "package", Deps: []string{"test", "lint"}},
	}
	first, err := TopoSort(nodes)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	firstBatches := GroupIntoBatches(first)

	second, err := TopoSort(nodes)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	secondBatches := GroupIntoBatches(second)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("topoSort not deterministic: %v vs %v", first, second)
	}
	if !reflect.DeepEqual(firstBatches, secondBatches) {
		t.Fatalf("groupIntoBatches not deterministic: %v vs %v", firstBatches, secondBatches)
	}
}
