package gateway

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeBlocklistFile(t *testing.T, content string) string {
	t.Helper()
	f, err := ioutil.TempFile("", "blocklist")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestBlocklistMatching(t *testing.T) {
	path := writeBlocklistFile(t, `
# comment line
bad.example.com
*.ads.example.net

TRACKER.example.org
`)
	bl, err := LoadBlocklist(path)
	assert.NoError(t, err)

	assert.True(t, bl.Blocked("bad.example.com"))
	assert.True(t, bl.Blocked("BAD.example.COM"))
	assert.True(t, bl.Blocked("bad.example.com."))
	assert.True(t, bl.Blocked("tracker.example.org"))

	assert.True(t, bl.Blocked("banner.ads.example.net"))
	assert.True(t, bl.Blocked("a.b.ads.example.net"))
	assert.False(t, bl.Blocked("ads.example.net")) // wildcard only covers subdomains

	assert.False(t, bl.Blocked("good.example.com"))
	assert.False(t, bl.Blocked("example.com"))
	assert.False(t, bl.Blocked("notbad.example.com"))
}

func TestBlocklistReload(t *testing.T) {
	path := writeBlocklistFile(t, "old.example.com\n")
	bl, err := LoadBlocklist(path)
	assert.NoError(t, err)
	assert.True(t, bl.Blocked("old.example.com"))
	assert.False(t, bl.Blocked("new.example.com"))

	assert.NoError(t, ioutil.WriteFile(path, []byte("new.example.com\n"), 0644))
	assert.NoError(t, bl.reload())
	assert.False(t, bl.Blocked("old.example.com"))
	assert.True(t, bl.Blocked("new.example.com"))
}

func TestLoadBlocklistMissingFile(t *testing.T) {
	_, err := LoadBlocklist("/nonexistent/blocklist")
	assert.Error(t, err)
}
