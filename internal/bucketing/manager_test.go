package bucketing

import (
	"testing"
	"time"

	"session-service/internal/config"
)

func testManager() *BucketingManager {
	return NewBucketingManager(&config.Config{
		Bucketing: config.BucketingConfig{
			UserBuckets:  100,
			EventBuckets: 50,
		},
	})
}

func TestUserBucketIsStable(t *testing.T) {
	bm := testManager()

	first := bm.GetUserBucket("user-123")
	for i := 0; i < 10; i++ {
		if got := bm.GetUserBucket("user-123"); got != first {
			t.Fatalf("bucket changed between calls: %d vs %d", got, first)
		}
	}
}

func TestBucketsStayInRange(t *testing.T) {
	bm := testManager()

	ids := []string{"a", "b", "user-1", "user-2", "", "long-identifier-with-many-characters"}
	for _, id := range ids {
		if got := bm.GetUserBucket(id); got < 0 || got >= bm.GetUserBuckets() {
			t.Fatalf("user bucket %d for %q out of range", got, id)
		}
		if got := bm.GetEventBucket(id); got < 0 || got >= bm.GetEventBuckets() {
			t.Fatalf("event bucket %d for %q out of range", got, id)
		}
	}
}

func TestZeroBucketsDegradeToSingleBucket(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})

	if got := bm.GetUserBucket("anyone"); got != 0 {
		t.Fatalf("expected bucket 0, got %d", got)
	}
}

func TestDateBucketIsUTCDate(t *testing.T) {
	bm := testManager()

	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))
	if got := bm.GetDateBucket(at); got != "2026-03-01" {
		t.Fatalf("expected 2026-03-01, got %s", got)
	}
}
