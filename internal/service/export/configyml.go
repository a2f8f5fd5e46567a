package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"gopkg.in/yaml.v2"
)

const configTimeLayout = "2006-01-02 15:04:05"

// buildConfigYAML renders the ctf01d jury configuration. Key order matters to
// the consuming tool, hence yaml.MapSlice throughout.
func buildConfigYAML(game *entity.Game, scoreboard *entity.Scoreboard, teams []*entity.ExportTeam, checkers []*entity.ExportChecker) ([]byte, error) {
	gameSection := yaml.MapSlice{
		{Key: "id", Value: game.ID},
		{Key: "name", Value: game.Name},
		{Key: "start", Value: game.StartUTC.UTC().Format(configTimeLayout)},
		{Key: "end", Value: game.EndUTC.UTC().Format(configTimeLayout)},
		{Key: "flag_timelive_in_min", Value: game.FlagTTLMinutes},
		{Key: "basic_costs_stolen_flag_in_points", Value: game.BasicAttackCost},
		{Key: "cost_defence_flag_in_points", Value: game.DefenceCost},
	}
	if game.CoffeeBreakStartUTC != nil && game.CoffeeBreakEndUTC != nil {
		gameSection = append(gameSection,
			yaml.MapItem{Key: "coffee_break_start", Value: game.CoffeeBreakStartUTC.UTC().Format(configTimeLayout)},
			yaml.MapItem{Key: "coffee_break_end", Value: game.CoffeeBreakEndUTC.UTC().Format(configTimeLayout)},
		)
	}

	scoreboardSection := yaml.MapSlice{
		{Key: "port", Value: scoreboard.Port},
		{Key: "htmlfolder", Value: scoreboard.HTMLFolder},
		{Key: "random", Value: scoreboard.Random},
	}

	checkerSections := make([]yaml.MapSlice, 0, len(checkers))
	for _, c := range checkers {
		checkerSections = append(checkerSections, yaml.MapSlice{
			{Key: "id", Value: normalizeID(c.ID)},
			{Key: "service_name", Value: c.Name},
			{Key: "enabled", Value: c.Enabled},
			{Key: "script_path", Value: c.ScriptRel},
			{Key: "script_wait_in_sec", Value: c.ScriptWaitSec},
			{Key: "time_sleep_between_run_scripts_in_sec", Value: c.RoundSleepSec},
		})
	}

	teamSections := make([]yaml.MapSlice, 0, len(teams))
	for _, t := range teams {
		section := yaml.MapSlice{
			{Key: "id", Value: t.ID},
			{Key: "name", Value: t.Name},
			{Key: "active", Value: t.Active},
			{Key: "logo", Value: t.LogoRel},
			{Key: "ip_address", Value: t.IPAddress},
		}

		keys := make([]string, 0, len(t.Extra))
		for k := range t.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			section = append(section, yaml.MapItem{
				Key:   strings.TrimPrefix(k, "ctf01d_"),
				Value: t.Extra[k],
			})
		}

		teamSections = append(teamSections, section)
	}

	doc := yaml.MapSlice{
		{Key: "game", Value: gameSection},
		{Key: "scoreboard", Value: scoreboardSection},
		{Key: "checkers", Value: checkerSections},
		{Key: "teams", Value: teamSections},
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, common.ExportValidationf("cannot render config.yml: %v", err)
	}

	header := fmt.Sprintf("## Combined config for ctf01d\n# Generated %s\n\n", time.Now().UTC().Format(configTimeLayout))

	return append([]byte(header), body...), nil
}

// composeYAML renders a minimal docker-compose descriptor running the jury
// image against the package's data directory.
func composeYAML(project string, port int) string {
	b := strings.Builder{}
	b.WriteString("version: '3'\n")
	b.WriteString("services:\n")
	b.WriteString("  ctf01d_jury:\n")
	fmt.Fprintf(&b, "    container_name: ctf01d_jury_%s\n", project)
	b.WriteString("    image: sea5kg/ctf01d:latest\n")
	b.WriteString("    volumes:\n")
	b.WriteString("      - ./data:/usr/share/ctf01d\n")
	b.WriteString("    environment:\n")
	b.WriteString("      - CTF01D_WORKDIR=/usr/share/ctf01d\n")
	b.WriteString("    ports:\n")
	fmt.Fprintf(&b, "      - \"%d:%d\"\n", port, port)
	b.WriteString("    networks:\n")
	b.WriteString("      - ctf01d_net\n")
	b.WriteString("networks:\n")
	b.WriteString("  ctf01d_net:\n")
	b.WriteString("    driver: bridge\n")

	return b.String()
}
