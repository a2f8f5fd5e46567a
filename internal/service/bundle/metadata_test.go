package bundle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	s := NewExtractorService(testLogger())

	t.Run("title from first heading", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/README.md": "# Vault Service\n\nA storage service with flags.\n",
			"service/app.py":    "print('hi')",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "Vault Service", md.Name)
		require.Equal(t, "A storage service with flags.", md.PublicDescription)
	})

	t.Run("h2 when no h1", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/README.md": "## Second Level\n\ntext\n",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "Second Level", md.Name)
	})

	t.Run("markdown links collapsed in description", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/README.md": "# Svc\n\nSee [the docs](https://example.com/docs) for details.\n",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "See the docs for details.", md.PublicDescription)
	})

	t.Run("frontmatter is not part of the description", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/README.md": "---\ntitle: ignored\n---\n# Real Title\n\nBody text.\n",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "Real Title", md.Name)
		require.Equal(t, "Body text.", md.PublicDescription)
	})

	t.Run("training json wins over readme", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/README.md":            "# Readme Title\n\nReadme text.\n",
			"service/ctf01d-training.json": `{"display_name": "Training Name", "description": "Training description"}`,
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "Training Name", md.Name)
		require.Equal(t, "Training description", md.PublicDescription)
	})

	t.Run("nested training json outside checker", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/deep/ctf01d-training.json": `{"display_name": "Nested"}`,
			"checker/ctf01d-training.json":      `{"display_name": "Wrong"}`,
			"service/README.md":                 "# Fallback\n",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "Nested", md.Name)
	})

	t.Run("description truncated", func(t *testing.T) {
		long := strings.Repeat("word ", 200)
		raw := buildTestZip(t, map[string]string{
			"service/README.md": "# T\n\n" + long + "\n",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.LessOrEqual(t, len([]rune(md.PublicDescription)), 400)
	})

	t.Run("copyright line", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/LICENSE": "MIT License\n\nCopyright (c) 2024 Acme Corp\n\nPermission is hereby granted, free of charge...",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Contains(t, md.Copyright, "2024 Acme Corp")
		require.Equal(t, "MIT", md.License)
	})

	t.Run("case insensitive readme", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/readme.md": "# Lower Case\n",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Equal(t, "Lower Case", md.Name)
	})

	t.Run("empty bundle yields empty metadata", func(t *testing.T) {
		raw := buildTestZip(t, map[string]string{
			"service/app.py": "print('hi')",
		})

		md, err := s.Extract(raw)
		require.NoError(t, err)
		require.Empty(t, md.Name)
		require.Empty(t, md.PublicDescription)
		require.Empty(t, md.License)
	})
}

func TestDetectLicense(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		expected string
	}{
		{
			name:     "mit",
			text:     "MIT License\n\nPermission is hereby granted...",
			expected: "MIT",
		},
		{
			name:     "apache",
			text:     "Apache License\nVersion 2.0, January 2004",
			expected: "Apache-2.0",
		},
		{
			name:     "bsd3",
			text:     "Redistribution and use in source and binary forms... Neither the name of the copyright holder...",
			expected: "BSD-3-Clause",
		},
		{
			name:     "bsd2",
			text:     "Redistribution and use in source and binary forms, with or without modification, are permitted...",
			expected: "BSD-2-Clause",
		},
		{
			name:     "gpl3",
			text:     "GNU GENERAL PUBLIC LICENSE\nVersion 3, 29 June 2007",
			expected: "GPL-3.0",
		},
		{
			name:     "mpl",
			text:     "Mozilla Public License Version 2.0",
			expected: "MPL-2.0",
		},
		{
			name:     "unknown",
			text:     "You may do whatever you want with this.",
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, detectLicense(tc.text))
		})
	}
}
