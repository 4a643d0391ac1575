package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/models"
)

// WorkflowRunInfo is the subset of a GitHub Actions run the pipeline needs.
type WorkflowRunInfo struct {
	RunID        int64  `json:"runId"`
	WorkflowName string `json:"workflowName"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	Branch       string `json:"branch"`
	CommitSHA    string `json:"commitSha"`
}

// PublishResult describes a successfully published fix proposal.
type PublishResult struct {
	PRURL  string `json:"prUrl"`
	Branch string `json:"branch"`
}

// WorkflowFetcher retrieves run metadata and failure logs from the CI
// provider.
type WorkflowFetcher interface {
	FetchRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRunInfo, error)
	FetchFailureLogs(ctx context.Context, owner, repo string, runID int64) (string, error)
}

// Publisher pushes an approved fix to the outside world as a pull request.
type Publisher interface {
	PublishFix(ctx context.Context, owner, repo string, analysis *models.FailureAnalysis) (*PublishResult, error)
}

// GitHubService implements WorkflowFetcher and Publisher against the
// GitHub REST API.
type GitHubService struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewGitHubService() *GitHubService {
	baseURL := os.Getenv("GITHUB_API_URL")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubService{
		token:   os.Getenv("GITHUB_TOKEN"),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (gs *GitHubService) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, gs.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if gs.token != "" {
		req.Header.Set("Authorization", "Bearer "+gs.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := gs.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// FetchRun loads run metadata from GitHub.
func (gs *GitHubService) FetchRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRunInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, repo, runID)
	data, status, err := gs.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: GitHub returned status %d", ErrExternalUnavailable, status)
	}

	var payload struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	return &WorkflowRunInfo{
		RunID:        payload.ID,
		WorkflowName: payload.Name,
		Status:       payload.Status,
		Conclusion:   payload.Conclusion,
		Branch:       payload.HeadBranch,
		CommitSHA:    payload.HeadSHA,
	}, nil
}

// FetchFailureLogs downloads the logs of every failed job in the run and
// concatenates them.
func (gs *GitHubService) FetchFailureLogs(ctx context.Context, owner, repo string, runID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=50", owner, repo, runID)
	data, status, err := gs.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: listing jobs returned status %d", ErrExternalUnavailable, status)
	}

	var payload struct {
		Jobs []struct {
			ID         int64  `json:"id"`
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}

	var logs strings.Builder
	for _, job := range payload.Jobs {
		if job.Conclusion != "failure" {
			continue
		}
		jobLogs, err := gs.fetchJobLogs(ctx, owner, repo, job.ID)
		if err != nil {
			logger.Warn("Failed to fetch job logs", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}
		fmt.Fprintf(&logs, "=== Job: %s ===\n%s\n", job.Name, jobLogs)
	}

	return logs.String(), nil
}

func (gs *GitHubService) fetchJobLogs(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", owner, repo, jobID)
	data, status, err := gs.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("job logs returned status %d", status)
	}
	return string(data), nil
}

// PublishFix opens a pull request carrying the fix proposal: a branch off
// the default branch with a proposal document, then a PR referencing the
// failed run.
func (gs *GitHubService) PublishFix(ctx context.Context, owner, repo string, analysis *models.FailureAnalysis) (*PublishResult, error) {
	defaultBranch, baseSHA, err := gs.defaultBranchHead(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	branch := fmt.Sprintf("cicd-fix-%s-%d", strings.ReplaceAll(analysis.ErrorType, "_", "-"), time.Now().Unix())

	refPath := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	_, status, err := gs.doRequest(ctx, "POST", refPath, map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": baseSHA,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("%w: creating branch returned status %d", ErrPublishFailed, status)
	}

	content := fmt.Sprintf("# Automated Fix Proposal\n\n**Failure ID:** %s\n**Error type:** %s\n**Pattern:** %s\n**Confidence:** %.2f\n\n## Suggested fix\n\n%s\n",
		analysis.FailureID, analysis.ErrorType, analysis.ErrorPattern, analysis.FixConfidence, analysis.SuggestedFix)

	filePath := fmt.Sprintf("/repos/%s/%s/contents/.github/cicd-fix-proposals/%s.md", owner, repo, analysis.FailureID)
	_, status, err = gs.doRequest(ctx, "PUT", filePath, map[string]string{
		"message": fmt.Sprintf("Add fix proposal for %s failure", analysis.ErrorType),
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("%w: committing proposal returned status %d", ErrPublishFailed, status)
	}

	prPath := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	data, status, err := gs.doRequest(ctx, "POST", prPath, map[string]string{
		"title": fmt.Sprintf("Fix proposal: %s", analysis.ErrorPattern),
		"head":  branch,
		"base":  defaultBranch,
		"body":  content,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("%w: creating pull request returned status %d", ErrPublishFailed, status)
	}

	var pr struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, err
	}

	logger.WithFix(analysis.FailureID, "publish").Infof("Published fix proposal as %s", pr.HTMLURL)
	return &PublishResult{PRURL: pr.HTMLURL, Branch: branch}, nil
}

func (gs *GitHubService) defaultBranchHead(ctx context.Context, owner, repo string) (string, string, error) {
	data, status, err := gs.doRequest(ctx, "GET", fmt.Sprintf("/repos/%s/%s", owner, repo), nil)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("%w: repository lookup returned status %d", ErrExternalUnavailable, status)
	}

	var repoInfo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.Unmarshal(data, &repoInfo); err != nil {
		return "", "", err
	}

	refData, status, err := gs.doRequest(ctx, "GET", fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, repoInfo.DefaultBranch), nil)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("%w: ref lookup returned status %d", ErrExternalUnavailable, status)
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(refData, &ref); err != nil {
		return "", "", err
	}

	return repoInfo.DefaultBranch, ref.Object.SHA, nil
}
