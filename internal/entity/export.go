package entity

import "time"

// Game carries the game settings that end up in the exported config.yml.
type Game struct {
	ID                  string
	Name                string
	StartUTC            time.Time
	EndUTC              time.Time
	CoffeeBreakStartUTC *time.Time
	CoffeeBreakEndUTC   *time.Time
	FlagTTLMinutes      int
	BasicAttackCost     int
	DefenceCost         float64
}

// Scoreboard holds the scoreboard section of the exported config.
type Scoreboard struct {
	Port       int
	HTMLFolder string
	Random     bool
}

// ExportTeam is one team row of an export. ID and IPAddress must each be
// unique across the whole export.
type ExportTeam struct {
	ID        string
	Name      string
	Active    bool
	IPAddress string

	// LogoRel is the logo path within the export data tree. Filled with a
	// generated default when empty; its extension is reconciled to the
	// resolved logo content.
	LogoRel string
	// LogoPath is an already-materialized local file, preferred over LogoURL.
	LogoPath string
	// LogoURL may be an application-relative upload path, an http(s) URL or a
	// data:image URI.
	LogoURL string

	// Extra holds free-form config overrides; keys carry a "ctf01d_" prefix
	// that is stripped on export.
	Extra map[string]string
}

// ExportCheckerFile is an explicit file to place into a checker directory.
type ExportCheckerFile struct {
	Src string
	Rel string
}

// ExportChecker is one checker row of an export.
type ExportChecker struct {
	ID            string
	Name          string
	Enabled       bool
	ScriptWaitSec int
	RoundSleepSec int
	ScriptRel     string

	// BundlePath points at the checker's stored bundle zip, if any.
	BundlePath string
	// FromBundle selects extraction of the bundle's checker/ subtree instead
	// of the explicit file list.
	FromBundle bool
	Files      []ExportCheckerFile
}

// ExportOptions tunes a single export build.
type ExportOptions struct {
	Prefix         string
	IncludeHTML    bool
	HTMLSourcePath string
	IncludeCompose bool
	ComposeProject string
	Warnings       []string
}

// ExportPackage is the assembled export zip. The caller decides what to do
// with the bytes; nothing is persisted by the builder.
type ExportPackage struct {
	Filename string
	Data     []byte
	Size     int64
}
