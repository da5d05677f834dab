package store

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func contentKeys(res ListResult) []string {
	keys := make([]string, len(res.Contents))
	for i, m := range res.Contents {
		keys[i] = m.Key
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListObjectsSorted(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	for _, k := range []string{"zebra.txt", "apple.txt", "mango/pulp.txt"} {
		mustPut(t, s, "b", k, "x")
	}

	res, err := s.ListObjects("b", ListOptions{})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"apple.txt", "mango/pulp.txt", "zebra.txt"}
	if got := contentKeys(res); !equalStrings(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	if res.IsTruncated {
		t.Error("IsTruncated = true for a complete listing")
	}
	if res.NextMarker != "" {
		t.Errorf("NextMarker = %q, want empty", res.NextMarker)
	}
}

func TestListObjectsPrefix(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	for _, k := range []string{"logs/a.log", "logs/b.log", "data/c.bin"} {
		mustPut(t, s, "b", k, "x")
	}

	res, err := s.ListObjects("b", ListOptions{Prefix: "logs/"})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"logs/a.log", "logs/b.log"}
	if got := contentKeys(res); !equalStrings(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestListObjectsDelimiter(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	for _, k := range []string{"a/1.txt", "a/2.txt", "b/deep/3.txt", "top.txt"} {
		mustPut(t, s, "b", k, "x")
	}

	res, err := s.ListObjects("b", ListOptions{Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	// Collapsed keys appear only as prefixes, never in Contents.
	if got := contentKeys(res); !equalStrings(got, []string{"top.txt"}) {
		t.Errorf("Contents = %v, want [top.txt]", got)
	}
	if !equalStrings(res.CommonPrefixes, []string{"a/", "b/"}) {
		t.Errorf("CommonPrefixes = %v, want [a/ b/]", res.CommonPrefixes)
	}
}

func TestListObjectsPrefixAndDelimiter(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	for _, k := range []string{"photos/2023/jan.jpg", "photos/2023/feb.jpg", "photos/2024/mar.jpg", "photos/readme.txt"} {
		mustPut(t, s, "b", k, "x")
	}

	res, err := s.ListObjects("b", ListOptions{Prefix: "photos/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if got := contentKeys(res); !equalStrings(got, []string{"photos/readme.txt"}) {
		t.Errorf("Contents = %v, want [photos/readme.txt]", got)
	}
	if !equalStrings(res.CommonPrefixes, []string{"photos/2023/", "photos/2024/"}) {
		t.Errorf("CommonPrefixes = %v", res.CommonPrefixes)
	}
}

func TestListEmptyFolderListed(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	if _, err := s.PutObject("b", "empty/", strings.NewReader(""), PutOptions{}); err != nil {
		t.Fatalf("PutObject folder failed: %v", err)
	}
	mustPut(t, s, "b", "full/file.txt", "x")

	res, err := s.ListObjects("b", ListOptions{})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	// The empty folder shows up with a trailing slash; the populated
	// directory is implied by its file and not listed itself.
	want := []string{"empty/", "full/file.txt"}
	if got := contentKeys(res); !equalStrings(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	if res.Contents[0].ContentType != "application/x-directory" {
		t.Errorf("folder ContentType = %q", res.Contents[0].ContentType)
	}
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	all := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, k := range all {
		mustPut(t, s, "b", k, "x")
	}

	var got []string
	marker := ""
	pages := 0
	for {
		res, err := s.ListObjects("b", ListOptions{MaxKeys: 2, Marker: marker})
		if err != nil {
			t.Fatalf("ListObjects page %d failed: %v", pages, err)
		}
		got = append(got, contentKeys(res)...)
		pages++
		if !res.IsTruncated {
			break
		}
		if res.NextMarker == "" {
			t.Fatal("truncated page without NextMarker")
		}
		marker = res.NextMarker
	}
	if !equalStrings(got, all) {
		t.Errorf("paged keys = %v, want %v", got, all)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestListPaginationWithDelimiter(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	// Two prefix groups with several keys each, plus loose keys, so a
	// group spans a page boundary.
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1", "b/2", "c", "d"} {
		mustPut(t, s, "b", k, "x")
	}

	var contents []string
	var prefixes []string
	marker := ""
	for {
		res, err := s.ListObjects("b", ListOptions{MaxKeys: 2, Delimiter: "/", Marker: marker})
		if err != nil {
			t.Fatalf("ListObjects failed: %v", err)
		}
		contents = append(contents, contentKeys(res)...)
		prefixes = append(prefixes, res.CommonPrefixes...)
		if !res.IsTruncated {
			break
		}
		marker = res.NextMarker
	}
	if !equalStrings(prefixes, []string{"a/", "b/"}) {
		t.Errorf("prefixes = %v, want [a/ b/] without duplicates", prefixes)
	}
	if !equalStrings(contents, []string{"c", "d"}) {
		t.Errorf("contents = %v, want [c d]", contents)
	}
}

func TestListMaxKeysCountsPrefixes(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	for _, k := range []string{"a/1", "b/1", "c"} {
		mustPut(t, s, "b", k, "x")
	}

	res, err := s.ListObjects("b", ListOptions{Delimiter: "/", MaxKeys: 1})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(res.CommonPrefixes)+len(res.Contents) != 1 {
		t.Errorf("page size = %d prefixes + %d contents, want 1 total",
			len(res.CommonPrefixes), len(res.Contents))
	}
	if !res.IsTruncated {
		t.Error("IsTruncated = false, want true")
	}
}

func TestListHiddenEntriesExcluded(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	if err := s.SetVersioningStatus("b", VersioningEnabled); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBucketPolicy("b", "{}"); err != nil {
		t.Fatal(err)
	}
	mustPut(t, s, "b", "visible.txt", "x")

	res, err := s.ListObjects("b", ListOptions{})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if got := contentKeys(res); !equalStrings(got, []string{"visible.txt"}) {
		t.Errorf("keys = %v, want only visible.txt", got)
	}
}

func TestListSidecarsExcluded(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	mustPut(t, s, "b", "k.txt", "x")

	res, err := s.ListObjects("b", ListOptions{})
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	for _, k := range contentKeys(res) {
		if strings.HasSuffix(k, SidecarSuffix) {
			t.Errorf("sidecar %q leaked into listing", k)
		}
	}
	if len(res.Contents) != 1 {
		t.Errorf("len(Contents) = %d, want 1", len(res.Contents))
	}
}

func TestListMissingBucket(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ListObjects("nope", ListOptions{}); !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("err = %v, want ErrBucketNotFound", err)
	}
}

func TestListAllVersions(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	if err := s.SetVersioningStatus("b", VersioningEnabled); err != nil {
		t.Fatal(err)
	}

	mustPut(t, s, "b", "a", "a1")
	time.Sleep(10 * time.Millisecond)
	mustPut(t, s, "b", "a", "a2")
	mustPut(t, s, "b", "z", "z1")

	listing, err := s.ListAllVersions("b", "", "", 0)
	if err != nil {
		t.Fatalf("ListAllVersions failed: %v", err)
	}
	if len(listing.Versions) != 3 {
		t.Fatalf("len(Versions) = %d, want 3", len(listing.Versions))
	}
	// Grouped by key, each group newest first.
	if listing.Versions[0].Meta.Key != "a" || !listing.Versions[0].IsLatest {
		t.Errorf("Versions[0] = %+v, want latest of a", listing.Versions[0])
	}
	if listing.Versions[1].Meta.Key != "a" || listing.Versions[1].IsLatest {
		t.Errorf("Versions[1] = %+v, want older of a", listing.Versions[1])
	}
	if listing.Versions[2].Meta.Key != "z" || !listing.Versions[2].IsLatest {
		t.Errorf("Versions[2] = %+v, want latest of z", listing.Versions[2])
	}
}

func TestListAllVersionsAfterPrimaryDeleted(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	if err := s.SetVersioningStatus("b", VersioningEnabled); err != nil {
		t.Fatal(err)
	}

	mustPut(t, s, "b", "k", "v1")
	if _, err := s.DeleteObject("b", "k"); err != nil {
		t.Fatal(err)
	}

	// The primary is gone but its captured version remains visible.
	listing, err := s.ListAllVersions("b", "", "", 0)
	if err != nil {
		t.Fatalf("ListAllVersions failed: %v", err)
	}
	if len(listing.Versions) != 1 {
		t.Fatalf("len(Versions) = %d, want 1", len(listing.Versions))
	}
	if listing.Versions[0].Meta.Key != "k" || listing.Versions[0].IsLatest {
		t.Errorf("Versions[0] = %+v, want non-latest version of k", listing.Versions[0])
	}
}

func TestListAllVersionsPagination(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "b")
	if err := s.SetVersioningStatus("b", VersioningEnabled); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		mustPut(t, s, "b", k, "x")
	}

	page, err := s.ListAllVersions("b", "", "", 1)
	if err != nil {
		t.Fatalf("ListAllVersions failed: %v", err)
	}
	if len(page.Versions) != 1 || !page.IsTruncated || page.NextKeyMarker != "k1" {
		t.Errorf("page = %+v, want 1 version, truncated, marker k1", page)
	}

	rest, err := s.ListAllVersions("b", "", page.NextKeyMarker, 10)
	if err != nil {
		t.Fatalf("ListAllVersions page 2 failed: %v", err)
	}
	if len(rest.Versions) != 2 || rest.IsTruncated {
		t.Errorf("page 2 = %+v, want remaining 2 versions", rest)
	}
}
