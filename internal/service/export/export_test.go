package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/config"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testExportConfig() *config.ExportConfig {
	cfg := &config.Config{}
	cfg.SetDefaults()

	return &cfg.Export
}

func testGame() *entity.Game {
	return &entity.Game{
		ID:              "testgame",
		Name:            "Test Game",
		StartUTC:        time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		EndUTC:          time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC),
		FlagTTLMinutes:  10,
		BasicAttackCost: 10,
		DefenceCost:     1,
	}
}

func testScoreboard() *entity.Scoreboard {
	return &entity.Scoreboard{Port: 8080, HTMLFolder: "./html"}
}

func testTeams() []*entity.ExportTeam {
	return []*entity.ExportTeam{
		{ID: "team1", Name: "Alpha", Active: true, IPAddress: "10.0.1.1"},
		{ID: "team2", Name: "Beta", Active: true, IPAddress: "10.0.1.2"},
	}
}

func buildBundleZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	buf := bytes.Buffer{}
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func testChecker(t *testing.T, fs afero.Fs, id string, files map[string]string) *entity.ExportChecker {
	t.Helper()

	bundlePath := "/bundles/" + id + ".zip"
	require.NoError(t, afero.WriteFile(fs, bundlePath, buildBundleZip(t, files), 0o644))

	return &entity.ExportChecker{
		ID:         id,
		Name:       id,
		Enabled:    true,
		BundlePath: bundlePath,
		FromBundle: true,
	}
}

func readPackage(t *testing.T, pkg *entity.ExportPackage) map[string]string {
	t.Helper()

	zr, err := zipx.OpenReader(pkg.Data)
	require.NoError(t, err)

	out := make(map[string]string)
	for _, f := range zr.File {
		if zipx.IsDirEntry(f) {
			out[f.Name] = ""

			continue
		}
		content, err := zipx.ReadAtMost(f, 10<<20)
		require.NoError(t, err)
		out[f.Name] = string(content)
	}

	return out
}

func TestBuild(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "vault", map[string]string{
			"service/app.py":     "print('hi')",
			"checker/checker.py": "#!/usr/bin/env python3\n# 101 102 103 104\n",
		}),
	}

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), testTeams(), checkers,
		&entity.ExportOptions{Prefix: "pkg", IncludeCompose: true, ComposeProject: "demo"})
	require.NoError(t, err)
	require.Equal(t, "pkg.zip", pkg.Filename)
	require.Equal(t, int64(len(pkg.Data)), pkg.Size)

	entries := readPackage(t, pkg)

	require.Contains(t, entries, "pkg/data/config.yml")
	require.Contains(t, entries, "pkg/data/checker_vault/checker.py")
	require.Contains(t, entries, "pkg/archives/services/vault.zip")
	require.Contains(t, entries, "pkg/docker-compose.yml")

	// generated avatars for teams with no logo source
	require.Contains(t, entries, "pkg/data/html/images/teams/team1.svg")
	require.Contains(t, entries, "pkg/data/html/images/teams/team2.svg")
	require.Contains(t, entries["pkg/data/html/images/teams/team1.svg"], "<svg")

	cfg := entries["pkg/data/config.yml"]
	require.True(t, strings.HasPrefix(cfg, "## Combined config for ctf01d"))
	require.Contains(t, cfg, "id: testgame")
	require.Contains(t, cfg, "start:")
	require.Contains(t, cfg, "2024-06-01 10:00:00")
	require.Contains(t, cfg, "flag_timelive_in_min: 10")
	require.Contains(t, cfg, "service_name: vault")
	require.Contains(t, cfg, "script_path: ./checker.py")
	require.Contains(t, cfg, "script_wait_in_sec: 10")
	require.Contains(t, cfg, "time_sleep_between_run_scripts_in_sec: 30")
	require.Contains(t, cfg, "ip_address: 10.0.1.1")
	require.Contains(t, cfg, "logo: ./html/images/teams/team1.svg")

	compose := entries["pkg/docker-compose.yml"]
	require.Contains(t, compose, "container_name: ctf01d_jury_demo")
	require.Contains(t, compose, `"8080:8080"`)

	// no warnings expected
	require.NotContains(t, entries, "pkg/EXPORT_WARNINGS.txt")
}

func TestBuildPlaceholderChecker(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	// bundle with service content only
	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "plain", map[string]string{
			"service/app.py": "print('hi')",
		}),
	}

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), testTeams(), checkers,
		&entity.ExportOptions{Prefix: "pkg"})
	require.NoError(t, err)

	entries := readPackage(t, pkg)
	require.Contains(t, entries, "pkg/data/checker_plain/checker.py")
	require.Contains(t, entries["pkg/data/checker_plain/checker.py"], "dummy checker for plain")
	require.Contains(t, entries, "pkg/EXPORT_WARNINGS.txt")
	require.Contains(t, entries["pkg/EXPORT_WARNINGS.txt"], "placeholder")
}

func TestBuildEntrypointDetection(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "ruby", map[string]string{
			"checker/lib/util.rb": "module Util; end",
			"checker/checker.rb":  "puts 101",
			"service/app.rb":      "puts 'hi'",
		}),
	}

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), testTeams(), checkers,
		&entity.ExportOptions{Prefix: "pkg"})
	require.NoError(t, err)

	entries := readPackage(t, pkg)
	require.Contains(t, entries["pkg/data/config.yml"], "script_path: ./checker.rb")
	require.Contains(t, entries, "pkg/data/checker_ruby/lib/util.rb")
}

func TestBuildIncludeHTMLFallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "svc", map[string]string{
			"service/app.py":     "print('hi')",
			"checker/checker.py": "101",
		}),
	}

	cfg := testExportConfig()
	cfg.HTMLSourcePath = ""
	s = NewExportServiceWithFS(fs, cfg, testLogger())

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), testTeams(), checkers,
		&entity.ExportOptions{Prefix: "pkg", IncludeHTML: true})
	require.NoError(t, err)

	entries := readPackage(t, pkg)
	require.Contains(t, entries, "pkg/data/html/index-template.html")
	require.Contains(t, entries, "pkg/data/html/images/teams/team01.png")
	require.Contains(t, entries, "pkg/data/html/images/teams/team10.png")
}

func TestBuildValidation(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	goodCheckers := func() []*entity.ExportChecker {
		return []*entity.ExportChecker{
			testChecker(t, fs, "svc", map[string]string{
				"service/app.py":     "print('hi')",
				"checker/checker.py": "101",
			}),
		}
	}

	testCases := []struct {
		name     string
		mutate   func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker)
		expected string
	}{
		{
			name: "duplicate ip",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				teams[1].IPAddress = "10.0.1.1"
			},
			expected: "10.0.1.1",
		},
		{
			name: "duplicate team id",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				teams[1].ID = "team1"
			},
			expected: "team1",
		},
		{
			name: "flag ttl out of range",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				g.FlagTTLMinutes = 30
			},
			expected: "1..25",
		},
		{
			name: "attack cost out of range",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				g.BasicAttackCost = 1000
			},
			expected: "1..500",
		},
		{
			name: "bad game id",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				g.ID = "Bad Game!"
			},
			expected: "game.id",
		},
		{
			name: "end before start",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				g.EndUTC = g.StartUTC.Add(-time.Hour)
			},
			expected: "game.end",
		},
		{
			name: "bad scoreboard port",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				sb.Port = 5
			},
			expected: "11..65535",
		},
		{
			name: "bad ip",
			mutate: func(g *entity.Game, sb *entity.Scoreboard, teams []*entity.ExportTeam, cs []*entity.ExportChecker) {
				teams[0].IPAddress = "not-an-ip"
			},
			expected: "ip_address",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			game := testGame()
			sb := testScoreboard()
			teams := testTeams()
			cs := goodCheckers()
			tc.mutate(game, sb, teams, cs)

			_, err := s.Build(context.Background(), game, sb, teams, cs, &entity.ExportOptions{Prefix: "pkg"})
			require.Error(t, err)

			var validationErr *common.ExportValidationError
			require.ErrorAs(t, err, &validationErr)
			require.Contains(t, err.Error(), tc.expected)
		})
	}
}

func TestBuildRoundSleepFloor(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	checker := testChecker(t, fs, "svc", map[string]string{
		"service/app.py":     "print('hi')",
		"checker/checker.py": "101",
	})
	checker.ScriptWaitSec = 7
	checker.RoundSleepSec = 5

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), testTeams(),
		[]*entity.ExportChecker{checker}, &entity.ExportOptions{Prefix: "pkg"})
	require.NoError(t, err)

	entries := readPackage(t, pkg)
	require.Contains(t, entries["pkg/data/config.yml"], "script_wait_in_sec: 7")
	require.Contains(t, entries["pkg/data/config.yml"], "time_sleep_between_run_scripts_in_sec: 21")
}

func TestBuildDataURILogo(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	teams := testTeams()
	// 1x1 transparent png
	teams[0].LogoURL = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAwMCAO7+ZzoAAAAASUVORK5CYII="

	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "svc", map[string]string{
			"service/app.py":     "print('hi')",
			"checker/checker.py": "101",
		}),
	}

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), teams, checkers,
		&entity.ExportOptions{Prefix: "pkg"})
	require.NoError(t, err)

	entries := readPackage(t, pkg)
	require.Contains(t, entries, "pkg/data/html/images/teams/team1.png")
	require.Contains(t, entries["pkg/data/config.yml"], "logo: ./html/images/teams/team1.png")
}

func TestBuildUTF8DataURILogo(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	teams := testTeams()
	teams[0].LogoURL = "data:image/svg+xml;utf8,%3Csvg%20xmlns%3D%22http%3A%2F%2Fwww.w3.org%2F2000%2Fsvg%22%3E%3C%2Fsvg%3E"

	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "svc", map[string]string{
			"service/app.py":     "print('hi')",
			"checker/checker.py": "101",
		}),
	}

	pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), teams, checkers,
		&entity.ExportOptions{Prefix: "pkg"})
	require.NoError(t, err)

	entries := readPackage(t, pkg)
	logo, ok := entries["pkg/data/html/images/teams/team1.svg"]
	require.True(t, ok)
	require.Equal(t, `<svg xmlns="http://www.w3.org/2000/svg"></svg>`, logo)
}

func TestBuildDataURIWithoutMarkerRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	teams := testTeams()
	teams[0].LogoURL = "data:image/png,rawbytes"

	checkers := []*entity.ExportChecker{
		testChecker(t, fs, "svc", map[string]string{
			"service/app.py":     "print('hi')",
			"checker/checker.py": "101",
		}),
	}

	_, err := s.Build(context.Background(), testGame(), testScoreboard(), teams, checkers,
		&entity.ExportOptions{Prefix: "pkg"})
	require.Error(t, err)

	var valErr *common.ExportValidationError
	require.ErrorAs(t, err, &valErr)
	require.Contains(t, err.Error(), "malformed logo data uri")
}

func TestBuildLogoRedirectLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/hop/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		if n <= 1 {
			http.Redirect(w, r, "/logo.png", http.StatusFound)

			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	checkerFiles := map[string]string{
		"service/app.py":     "print('hi')",
		"checker/checker.py": "101",
	}

	t.Run("within limit", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())
		checkers := []*entity.ExportChecker{testChecker(t, fs, "svc", checkerFiles)}

		teams := testTeams()
		teams[0].LogoURL = srv.URL + "/hop/3"

		pkg, err := s.Build(context.Background(), testGame(), testScoreboard(), teams, checkers,
			&entity.ExportOptions{Prefix: "pkg"})
		require.NoError(t, err)

		entries := readPackage(t, pkg)
		require.Equal(t, "png-bytes", entries["pkg/data/html/images/teams/team1.png"])
	})

	t.Run("too many redirects", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())
		checkers := []*entity.ExportChecker{testChecker(t, fs, "svc", checkerFiles)}

		teams := testTeams()
		teams[0].LogoURL = srv.URL + "/hop/8"

		_, err := s.Build(context.Background(), testGame(), testScoreboard(), teams, checkers,
			&entity.ExportOptions{Prefix: "pkg"})
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})
}

func TestBuildZipSlipBundle(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewExportServiceWithFS(fs, testExportConfig(), testLogger())

	buf := bytes.Buffer{}
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("checker/../../evil.sh")
	require.NoError(t, err)
	_, err = w.Write([]byte("rm -rf /"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, afero.WriteFile(fs, "/bundles/evil.zip", buf.Bytes(), 0o644))

	checkers := []*entity.ExportChecker{{
		ID:         "evil",
		Name:       "evil",
		Enabled:    true,
		BundlePath: "/bundles/evil.zip",
		FromBundle: true,
	}}

	_, err = s.Build(context.Background(), testGame(), testScoreboard(), testTeams(), checkers,
		&entity.ExportOptions{Prefix: "pkg"})
	require.Error(t, err)

	var normErr *common.NormalizationError
	require.ErrorAs(t, err, &normErr)
}

func TestNormalizeID(t *testing.T) {
	require.Equal(t, "my_service", normalizeID("My Service"))
	require.Equal(t, "svc_1", normalizeID("svc-1"))
	require.Equal(t, "abc", normalizeID("--abc--"))
}
