package worker

import "testing"

func TestDetectCgroupMemoryLimitNeverErrorsWhenAbsent(t *testing.T) {
	limit, err := DetectCgroupMemoryLimit()
	if err != nil {
		t.Fatalf("DetectCgroupMemoryLimit: %v", err)
	}
	if limit < 0 {
		t.Fatalf("limit = %d, want >= 0", limit)
	}
}
