package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Inspector/internal/model"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// PullRequest clones the head branch of a pull request.
type PullRequest struct {
	// Token authenticates https clones, empty for public repositories.
	Token string
}

func (PullRequest) Name() model.Family {
	return model.FamilyPullRequest
}

func (p PullRequest) Stage(ctx context.Context, job model.ScanJob, workdir string) error {
	if job.CloneURL == "" {
		return errors.New("clone url is empty")
	}
	var auth transport.AuthMethod
	if p.Token != "" {
		auth = &http.BasicAuth{
			Username: "x-access-token",
			Password: p.Token,
		}
	}
	opts := &git.CloneOptions{
		Auth:         auth,
		URL:          job.CloneURL,
		Depth:        1,
		SingleBranch: true,
	}
	if job.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(job.Branch)
	}

	repo, err := git.PlainCloneContext(ctx, workdir, false, opts)
	if err != nil {
		return fmt.Errorf("cloning %s: %w", job.CloneURL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	if job.HeadSHA != "" && head.Hash().String() != job.HeadSHA {
		// the branch moved since the job was submitted, a newer job will
		// review the current head
		slog.WarnContext(ctx, "pull request head moved",
			"expected", job.HeadSHA,
			"actual", head.Hash().String(),
		)
	}
	return os.RemoveAll(filepath.Join(workdir, git.GitDirName))
}

func (PullRequest) Clean(model.ScanJob, bool) error {
	return nil
}
