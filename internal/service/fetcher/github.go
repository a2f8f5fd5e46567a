package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
)

const (
	codeloadHost = "codeload.github.com"
	defaultRef   = "main"
)

// FetchRepositorySnapshot downloads a repository archive for a GitHub url of
// the form https://github.com/<owner>/<repo>[/tree/<ref>]. The ref is tried
// as a branch, then a tag, then verbatim against the codeload endpoint.
func (s *fetcherService) FetchRepositorySnapshot(ctx context.Context, repoURL, ref string) (*entity.RepositorySnapshot, error) {
	owner, repo, parsedRef, err := parseRepositoryURL(repoURL)
	if err != nil {
		return nil, err
	}

	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = parsedRef
	}
	if ref == "" {
		ref = defaultRef
	}

	for _, refPath := range []string{"refs/heads/" + ref, "refs/tags/" + ref, ref} {
		archiveURL := fmt.Sprintf("https://%s/%s/%s/zip/%s", codeloadHost, owner, repo, refPath)

		raw, err := s.fetch(ctx, archiveURL, s.cfg.MaxSnapshotBytes)
		if err != nil {
			s.log.Debug("Snapshot candidate failed",
				slog.String("url", archiveURL), slog.Any("error", err))

			continue
		}

		return &entity.RepositorySnapshot{
			Owner:      owner,
			Repo:       repo,
			Ref:        ref,
			ArchiveURL: archiveURL,
			Archive:    raw,
		}, nil
	}

	return nil, common.Fetchf("cannot download repository snapshot %s/%s@%s", owner, repo, ref)
}

func parseRepositoryURL(repoURL string) (owner, repo, ref string, err error) {
	u, perr := url.Parse(strings.TrimSpace(repoURL))
	if perr != nil || u.Host == "" {
		return "", "", "", common.Fetchf("invalid repository url: %s", repoURL)
	}
	if u.Host != "github.com" && !strings.HasSuffix(u.Host, ".github.com") {
		return "", "", "", common.Fetchf("expected a github.com repository url")
	}

	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", "", "", common.Fetchf("expected a /owner/repo path in %s", repoURL)
	}

	owner = parts[0]
	repo = strings.TrimSuffix(parts[1], ".git")
	if len(parts) >= 4 && parts[2] == "tree" {
		ref = parts[3]
	}

	return owner, repo, ref, nil
}
