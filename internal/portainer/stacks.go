package portainer

import (
	"context"
	"net/http"

	"rewind/internal/rewind"
)

type apiPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type apiAutoUpdate struct {
	Interval       string `json:"Interval,omitempty"`
	Webhook        string `json:"Webhook,omitempty"`
	ForceUpdate    bool   `json:"ForceUpdate,omitempty"`
	ForcePullImage bool   `json:"ForcePullImage,omitempty"`
}

type apiGitAuth struct {
	Username string `json:"Username,omitempty"`
	Password string `json:"Password,omitempty"`
}

type apiGitConfig struct {
	URL            string      `json:"URL"`
	ReferenceName  string      `json:"ReferenceName,omitempty"`
	ConfigFilePath string      `json:"ConfigFilePath,omitempty"`
	Authentication *apiGitAuth `json:"Authentication,omitempty"`
}

type apiStack struct {
	ID              int            `json:"Id"`
	Name            string         `json:"Name"`
	Type            int            `json:"Type"`
	EndpointID      int            `json:"EndpointId"`
	EntryPoint      string         `json:"EntryPoint"`
	Env             []apiPair      `json:"Env"`
	Status          int            `json:"Status"`
	ProjectPath     string         `json:"ProjectPath"`
	AdditionalFiles []string       `json:"AdditionalFiles"`
	AutoUpdate      *apiAutoUpdate `json:"AutoUpdate"`
	GitConfig       *apiGitConfig  `json:"GitConfig"`
}

func (s apiStack) remote() rewind.RemoteStack {
	r := rewind.RemoteStack{
		ID:              s.ID,
		Name:            s.Name,
		Status:          rewind.StackStatus(s.Status),
		EndpointID:      s.EndpointID,
		EntryPoint:      s.EntryPoint,
		AdditionalFiles: s.AdditionalFiles,
		ProjectPath:     s.ProjectPath,
	}
	for _, p := range s.Env {
		r.Env = append(r.Env, rewind.EnvVar{Name: p.Name, Value: p.Value})
	}
	if s.AutoUpdate != nil && (s.AutoUpdate.Interval != "" || s.AutoUpdate.Webhook != "") {
		r.AutoUpdate = &rewind.AutoUpdatePolicy{
			Interval:       s.AutoUpdate.Interval,
			Webhook:        s.AutoUpdate.Webhook,
			ForceUpdate:    s.AutoUpdate.ForceUpdate,
			ForcePullImage: s.AutoUpdate.ForcePullImage,
		}
	}
	if s.GitConfig != nil && s.GitConfig.URL != "" {
		g := &rewind.GitConfig{
			URL:            s.GitConfig.URL,
			ReferenceName:  s.GitConfig.ReferenceName,
			ConfigFilePath: s.GitConfig.ConfigFilePath,
		}
		if s.GitConfig.Authentication != nil {
			g.Username = s.GitConfig.Authentication.Username
			g.Password = s.GitConfig.Authentication.Password
		}
		r.GitConfig = g
	}
	return r
}

func pairs(env []rewind.EnvVar) []apiPair {
	out := make([]apiPair, 0, len(env))
	for _, e := range env {
		out = append(out, apiPair{Name: e.Name, Value: e.Value})
	}
	return out
}

func (c *Client) ListStacks(ctx context.Context) ([]rewind.RemoteStack, error) {
	var stacks []apiStack
	if err := c.do(ctx, http.MethodGet, "/api/stacks", nil, nil, &stacks); err != nil {
		return nil, err
	}
	out := make([]rewind.RemoteStack, 0, len(stacks))
	for _, s := range stacks {
		out = append(out, s.remote())
	}
	return out, nil
}

func (c *Client) GetStack(ctx context.Context, id int) (*rewind.RemoteStack, error) {
	var s apiStack
	if err := c.do(ctx, http.MethodGet, stackPath(id, ""), nil, nil, &s); err != nil {
		return nil, err
	}
	r := s.remote()
	return &r, nil
}

func (c *Client) GetStackFile(ctx context.Context, id int) (string, error) {
	var out struct {
		StackFileContent string `json:"StackFileContent"`
	}
	if err := c.do(ctx, http.MethodGet, stackPath(id, "/file"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.StackFileContent, nil
}

type createStringRequest struct {
	Name             string    `json:"name"`
	StackFileContent string    `json:"stackFileContent"`
	Env              []apiPair `json:"env"`
}

type createRepositoryRequest struct {
	Name                     string         `json:"name"`
	RepositoryURL            string         `json:"repositoryURL"`
	RepositoryReferenceName  string         `json:"repositoryReferenceName,omitempty"`
	ComposeFile              string         `json:"composeFile,omitempty"`
	AdditionalFiles          []string       `json:"additionalFiles,omitempty"`
	RepositoryAuthentication bool           `json:"repositoryAuthentication"`
	RepositoryUsername       string         `json:"repositoryUsername,omitempty"`
	RepositoryPassword       string         `json:"repositoryPassword,omitempty"`
	Env                      []apiPair      `json:"env"`
	AutoUpdate               *apiAutoUpdate `json:"autoUpdate,omitempty"`
}

// CreateStack deploys a standalone compose stack, from the repository when
// req.GitConfig is set and from the compose content otherwise.
func (c *Client) CreateStack(ctx context.Context, req rewind.CreateStackRequest) (int, error) {
	query := c.endpointQuery(req.EndpointID)
	var created apiStack

	if g := req.GitConfig; g != nil {
		body := createRepositoryRequest{
			Name:                     req.Name,
			RepositoryURL:            g.URL,
			RepositoryReferenceName:  g.ReferenceName,
			ComposeFile:              g.ConfigFilePath,
			AdditionalFiles:          req.AdditionalFiles,
			RepositoryAuthentication: g.Username != "",
			RepositoryUsername:       g.Username,
			RepositoryPassword:       g.Password,
			Env:                      pairs(req.Env),
		}
		if a := req.AutoUpdate; a != nil {
			body.AutoUpdate = &apiAutoUpdate{
				Interval:       a.Interval,
				Webhook:        a.Webhook,
				ForceUpdate:    a.ForceUpdate,
				ForcePullImage: a.ForcePullImage,
			}
		}
		if err := c.do(ctx, http.MethodPost, "/api/stacks/create/standalone/repository", query, body, &created); err != nil {
			return 0, err
		}
		return created.ID, nil
	}

	body := createStringRequest{Name: req.Name, StackFileContent: req.ComposeContent, Env: pairs(req.Env)}
	if err := c.do(ctx, http.MethodPost, "/api/stacks/create/standalone/string", query, body, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

type updateRequest struct {
	StackFileContent string    `json:"stackFileContent"`
	Env              []apiPair `json:"env"`
	Prune            bool      `json:"prune"`
	PullImage        bool      `json:"pullImage"`
}

func (c *Client) UpdateStack(ctx context.Context, id, endpointID int, compose string, env []rewind.EnvVar) error {
	body := updateRequest{StackFileContent: compose, Env: pairs(env)}
	return c.do(ctx, http.MethodPut, stackPath(id, ""), c.endpointQuery(endpointID), body, nil)
}

func (c *Client) StartStack(ctx context.Context, id, endpointID int) error {
	return c.do(ctx, http.MethodPost, stackPath(id, "/start"), c.endpointQuery(endpointID), nil, nil)
}

func (c *Client) StopStack(ctx context.Context, id, endpointID int) error {
	return c.do(ctx, http.MethodPost, stackPath(id, "/stop"), c.endpointQuery(endpointID), nil, nil)
}

func (c *Client) DeleteStack(ctx context.Context, id, endpointID int) error {
	return c.do(ctx, http.MethodDelete, stackPath(id, ""), c.endpointQuery(endpointID), nil, nil)
}
