package quota

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, limit int64) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m := New(root, true, limit, time.Hour, nil)
	t.Cleanup(func() { m.Close() })
	return m, root
}

func writeObject(t *testing.T, root, bucket, key, content string) {
	t.Helper()
	path := filepath.Join(root, bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckAddRemoveCycle(t *testing.T) {
	m, root := newTestManager(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "q"), 0o755); err != nil {
		t.Fatal(err)
	}

	// 600 bytes fit.
	ok, err := m.Check("q", 600)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !ok {
		t.Fatal("Check(600) = false, want true")
	}
	m.Add("q", 600)

	// Another 500 would exceed 1024.
	ok, err = m.Check("q", 500)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if ok {
		t.Fatal("Check(500) = true after 600 used, want false")
	}

	// Freeing the 600 admits the 500.
	m.Remove("q", 600)
	ok, err = m.Check("q", 500)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !ok {
		t.Fatal("Check(500) = false after delete, want true")
	}
	m.Add("q", 500)

	q, err := m.Quota("q")
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if q.CurrentUsageBytes != 500 || q.ObjectCount != 1 {
		t.Errorf("quota = %+v, want 500 bytes, 1 object", q)
	}
}

func TestSeedFromScan(t *testing.T) {
	m, root := newTestManager(t, 10000)
	writeObject(t, root, "b", "a.txt", "12345")
	writeObject(t, root, "b", "sub/b.txt", "1234567")
	// Hidden files and sidecars are not counted.
	writeObject(t, root, "b", ".policy", strings.Repeat("x", 100))
	writeObject(t, root, "b", "a.txt.metadata", strings.Repeat("y", 100))
	writeObject(t, root, "b", ".versions/a.txt/v1", strings.Repeat("z", 100))

	q, err := m.Quota("b")
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if q.CurrentUsageBytes != 12 {
		t.Errorf("CurrentUsageBytes = %d, want 12", q.CurrentUsageBytes)
	}
	if q.ObjectCount != 2 {
		t.Errorf("ObjectCount = %d, want 2", q.ObjectCount)
	}
	if q.MaxSizeBytes != 10000 {
		t.Errorf("MaxSizeBytes = %d, want 10000", q.MaxSizeBytes)
	}

	// The seed is persisted so the next startup skips the scan.
	if _, err := os.Stat(filepath.Join(root, "b", ".quota")); err != nil {
		t.Errorf(".quota not written after seeding: %v", err)
	}
}

func TestQuotaFilePreferredOverScan(t *testing.T) {
	m, root := newTestManager(t, 10000)
	writeObject(t, root, "b", "a.txt", "12345")

	saved := BucketQuota{MaxSizeBytes: 2048, CurrentUsageBytes: 999, ObjectCount: 7, LastUpdated: time.Now().UTC()}
	data, _ := json.Marshal(saved)
	if err := os.WriteFile(filepath.Join(root, "b", ".quota"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	q, err := m.Quota("b")
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if q.MaxSizeBytes != 2048 || q.CurrentUsageBytes != 999 || q.ObjectCount != 7 {
		t.Errorf("quota = %+v, want the persisted document", q)
	}
}

func TestRemoveSaturatesAtZero(t *testing.T) {
	m, root := newTestManager(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	m.Add("b", 10)
	m.Remove("b", 100)
	m.Remove("b", 100)

	q, err := m.Quota("b")
	if err != nil {
		t.Fatal(err)
	}
	if q.CurrentUsageBytes != 0 || q.ObjectCount != 0 {
		t.Errorf("quota = %+v, want zeroed", q)
	}
}

func TestDisabledManagerIsNoOp(t *testing.T) {
	m := New(t.TempDir(), false, 1, time.Hour, nil)
	defer m.Close()

	ok, err := m.Check("any", 1<<40)
	if err != nil || !ok {
		t.Errorf("disabled Check = (%v, %v), want (true, nil)", ok, err)
	}
	m.Add("any", 100)
	m.Remove("any", 100)
	m.Bump("any", OpPut)

	q, err := m.Quota("any")
	if err != nil {
		t.Fatal(err)
	}
	if q.CurrentUsageBytes != 0 {
		t.Errorf("disabled usage = %d, want 0", q.CurrentUsageBytes)
	}
	st, err := m.Stats("any", "")
	if err != nil {
		t.Fatal(err)
	}
	if st != (BucketStats{}) {
		t.Errorf("disabled stats = %+v, want zero", st)
	}
}

func TestSetLimitPersists(t *testing.T) {
	m, root := newTestManager(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := m.SetLimit("b", 4096); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "b", ".quota"))
	if err != nil {
		t.Fatalf("reading .quota: %v", err)
	}
	var q BucketQuota
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatal(err)
	}
	if q.MaxSizeBytes != 4096 {
		t.Errorf("persisted MaxSizeBytes = %d, want 4096", q.MaxSizeBytes)
	}

	ok, err := m.Check("b", 2000)
	if err != nil || !ok {
		t.Errorf("Check(2000) = (%v, %v) after raising limit, want allowed", ok, err)
	}
}

func TestStatsBumpAndFlush(t *testing.T) {
	m, root := newTestManager(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	m.Bump("b", OpGet)
	m.Bump("b", OpGet)
	m.Bump("b", OpPut)
	m.Bump("b", OpDelete)
	m.Bump("b", OpList)
	m.Bump("b", OpHead)
	m.Bump("b", OpMultipart)

	st, err := m.Stats("b", "")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := BucketStats{GetCount: 2, PutCount: 1, DeleteCount: 1, ListCount: 1, HeadCount: 1, MultipartCount: 1}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}

	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	ym := time.Now().UTC().Format("2006-01")
	data, err := os.ReadFile(filepath.Join(root, "b", ".stats", ym+".json"))
	if err != nil {
		t.Fatalf("reading stats file: %v", err)
	}
	var onDisk BucketStats
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk != want {
		t.Errorf("flushed stats = %+v, want %+v", onDisk, want)
	}
}

func TestStatsLoadExistingBaseline(t *testing.T) {
	root := t.TempDir()
	ym := time.Now().UTC().Format("2006-01")
	existing := BucketStats{GetCount: 40, PutCount: 2}
	data, _ := json.Marshal(existing)
	statsFile := filepath.Join(root, "b", ".stats", ym+".json")
	if err := os.MkdirAll(filepath.Dir(statsFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statsFile, data, 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(root, true, 1024, time.Hour, nil)
	defer m.Close()

	// The first bump merges on top of the flushed file.
	m.Bump("b", OpGet)
	st, err := m.Stats("b", "")
	if err != nil {
		t.Fatal(err)
	}
	if st.GetCount != 41 || st.PutCount != 2 {
		t.Errorf("stats = %+v, want get=41 put=2", st)
	}
}

func TestQuotaFlushWritesDirtyOnly(t *testing.T) {
	m, root := newTestManager(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	m.Add("b", 100)
	if err := m.FlushAll(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(root, "b", ".quota"))
	if err != nil {
		t.Fatalf("reading .quota after flush: %v", err)
	}
	var q BucketQuota
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatal(err)
	}
	if q.CurrentUsageBytes != 100 || q.ObjectCount != 1 {
		t.Errorf("flushed quota = %+v, want 100 bytes, 1 object", q)
	}
}

func TestForgetDropsCache(t *testing.T) {
	m, root := newTestManager(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	m.Add("b", 100)
	m.Bump("b", OpGet)
	m.Forget("b")

	m.mu.RLock()
	_, haveQuota := m.quotas["b"]
	nStats := len(m.stats)
	m.mu.RUnlock()
	if haveQuota || nStats != 0 {
		t.Errorf("cache not cleared: quota=%v stats=%d", haveQuota, nStats)
	}
}
