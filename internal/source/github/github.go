// Package github lists open pull requests using the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Inspector/internal/model"

	"github.com/google/go-github/v47/github"
	"golang.org/x/oauth2"
)

type Client struct {
	gh *github.Client
}

// New returns a client authenticated by token, anonymous when token is
// empty. baseURL selects a GitHub Enterprise server.
func New(ctx context.Context, token, baseURL string) (*Client, error) {
	httpClient := &http.Client{}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	if baseURL == "" {
		return &Client{gh: github.NewClient(httpClient)}, nil
	}
	gh, err := github.NewEnterpriseClient(baseURL, baseURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("creating github client: %w", err)
	}
	return &Client{gh: gh}, nil
}

// OpenPullRequests returns all open pull requests of repo in owner/name
// form.
func (c *Client) OpenPullRequests(ctx context.Context, repo string) ([]model.PullRequest, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repository %q, expected owner/name", repo)
	}

	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var ret []model.PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests of %s: %w", repo, err)
		}
		for _, pr := range prs {
			ret = append(ret, convert(repo, pr))
		}
		if resp.NextPage == 0 {
			return ret, nil
		}
		opts.Page = resp.NextPage
	}
}

func convert(repo string, pr *github.PullRequest) model.PullRequest {
	ret := model.PullRequest{
		Repository: repo,
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		UpdatedAt:  pr.GetUpdatedAt(),
	}
	if head := pr.GetHead(); head != nil {
		ret.Branch = head.GetRef()
		ret.HeadSHA = head.GetSHA()
		ret.CloneURL = head.GetRepo().GetCloneURL()
	}
	return ret
}

// ScannedActions are pull request webhook actions which change the head.
var ScannedActions = []string{"opened", "reopened", "synchronize"}

// ParseWebhook validates and parses a GitHub webhook delivery. It returns
// false for events other than pull requests with a changed head. An empty
// secret disables the signature check.
func ParseWebhook(r *http.Request, secret []byte) (model.PullRequest, bool, error) {
	payload, err := github.ValidatePayload(r, secret)
	if err != nil {
		return model.PullRequest{}, false, fmt.Errorf("validating payload: %w", err)
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		return model.PullRequest{}, false, fmt.Errorf("parsing webhook: %w", err)
	}
	pre, ok := event.(*github.PullRequestEvent)
	if !ok || !slices.Contains(ScannedActions, pre.GetAction()) {
		return model.PullRequest{}, false, nil
	}
	repo := pre.GetRepo().GetFullName()
	if repo == "" || pre.GetPullRequest() == nil {
		return model.PullRequest{}, false, fmt.Errorf("pull request event without repository")
	}
	return convert(repo, pre.GetPullRequest()), true, nil
}
