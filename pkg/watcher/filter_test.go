package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExclusionRules(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		rel     string
		want    bool
	}{
		{"plain source file", nil, nil, "src/index.js", false},
		{"hidden file", nil, nil, ".env", true},
		{"hidden directory", nil, nil, ".git/config", true},
		{"node_modules", nil, nil, "node_modules/lodash/index.js", true},
		{"nested vendor", nil, nil, "server/vendor/pkg/a.go", true},
		{"pycache", nil, nil, "__pycache__/mod.pyc", true},
		{"exclude glob on base", nil, []string{"*.log"}, "out/server.log", true},
		{"exclude glob miss", nil, []string{"*.log"}, "out/server.txt", false},
		{"include glob match", []string{"*.js"}, nil, "src/app.js", false},
		{"include glob miss", []string{"*.js"}, nil, "src/app.py", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPathFilter(tt.include, tt.exclude)
			assert.Equal(t, tt.want, f.excluded(tt.rel))
		})
	}
}

func TestDirExcludedIgnoresIncludeGlobs(t *testing.T) {
	// A directory never matches *.js, but its files will; the directory must
	// still be watched.
	f := newPathFilter([]string{"*.js"}, nil)
	assert.False(t, f.dirExcluded("src"))
	assert.True(t, f.dirExcluded("node_modules"))
}

func TestIsTextExtension(t *testing.T) {
	allow := []string{".js", ".py", ".md"}

	assert.True(t, isTextExtension("src/app.js", allow))
	assert.True(t, isTextExtension("README.MD", allow))
	assert.False(t, isTextExtension("image.png", allow))
	assert.False(t, isTextExtension("Makefile", allow))
}
