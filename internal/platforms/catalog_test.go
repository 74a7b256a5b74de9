package platforms

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_Entries(t *testing.T) {
	catalog := DefaultCatalog()

	assert.Equal(t, []string{"bilibili", "douyin", "weibo", "xiaohongshu", "zhihu"}, catalog.Names())
	for _, name := range catalog.Names() {
		p := catalog.Get(name)
		assert.NotEmpty(t, p.HomeURL, name)
		assert.NotEmpty(t, p.LoggedInSelectors, name)
		assert.NotEmpty(t, p.HighCookies, name)
		assert.NotEmpty(t, p.TargetPatterns, name)
	}
}

func TestCatalog_UnknownPlatformFallsBackToGeneric(t *testing.T) {
	catalog := DefaultCatalog()

	p := catalog.Get("platformX")
	require.NotNil(t, p)
	assert.Equal(t, GenericName, p.Name)
	assert.False(t, catalog.Has("platformX"))
	assert.True(t, catalog.Has("Weibo"))
}

func TestCatalog_ForURL(t *testing.T) {
	catalog := DefaultCatalog()

	p, ok := catalog.ForURL("https://m.weibo.cn/detail/4990000000000000")
	assert.True(t, ok)
	assert.Equal(t, "weibo", p.Name)

	p, ok = catalog.ForURL("https://space.bilibili.com/12345")
	assert.True(t, ok)
	assert.Equal(t, "bilibili", p.Name)

	p, ok = catalog.ForURL("https://platformx.com/video/1")
	assert.False(t, ok)
	assert.Equal(t, GenericName, p.Name)
}

func TestPlatform_URLShape(t *testing.T) {
	catalog := DefaultCatalog()
	zhihu := catalog.Get("zhihu")

	assert.True(t, zhihu.IsLoginURL("https://www.zhihu.com/signin?next=%2F"))
	assert.True(t, zhihu.IsLoggedInURL("https://www.zhihu.com/notifications"))
	assert.False(t, zhihu.IsLoggedInURL("https://www.zhihu.com/question/1"))

	generic := catalog.Get("platformX")
	assert.True(t, generic.IsLoginURL("https://platformx.com/login?redirect=/"))
	assert.False(t, generic.IsLoginURL("https://platformx.com/video/123"))
}

func TestPlatform_StaticPaths(t *testing.T) {
	p := DefaultCatalog().Get("douyin")
	assert.True(t, p.IsStaticPath("/discover/"))
	assert.True(t, p.IsStaticPath("/LIVE"))
	assert.False(t, p.IsStaticPath("/video/7312345678901234567"))
}

func TestCatalog_LoadFile(t *testing.T) {
	catalog := DefaultCatalog()
	path := filepath.Join(t.TempDir(), "platforms.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[platform]]
name = "platformx"
domains = ["platformx.com"]
home_url = "https://platformx.com/"
high_cookies = ["px_session"]

[[platform.target_patterns]]
pattern = '^/clip/\d+'
confidence = 0.9
label = "clip"
`), 0644))

	n, err := catalog.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := catalog.Get("platformX")
	assert.Equal(t, "platformx", p.Name)
	require.Len(t, p.TargetPatterns, 1)
	assert.True(t, p.TargetPatterns[0].Match("/clip/42"))
	assert.Equal(t, "https://platformx.com", p.HomeOrigin())
}

func TestCatalog_LoadFileRejectsBadRegex(t *testing.T) {
	catalog := DefaultCatalog()
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[platform]]
name = "broken"
login_url_patterns = ["(unclosed"]
`), 0644))

	_, err := catalog.LoadFile(path)
	assert.Error(t, err)
	assert.Equal(t, GenericName, catalog.Get("broken").Name)
}
