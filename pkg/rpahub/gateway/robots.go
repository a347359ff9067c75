package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// maxUploadBytes caps version bundle uploads.
const maxUploadBytes = 256 << 20

// semverRe accepts MAJOR.MINOR.PATCH with optional prerelease and
// build metadata, with or without a leading v.
var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)

type createRobotRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// handleCreateRobot implements POST /api/v1/robots.
func (g *Gateway) handleCreateRobot(w http.ResponseWriter, r *http.Request) {
	var req createRobotRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		g.writeError(w, "name is required", http.StatusUnprocessableEntity)
		return
	}
	robot, err := g.st.CreateRobot(req.Name, req.Description, req.Tags, g.clk.Now())
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, robot)
}

// handleListRobots implements GET /api/v1/robots.
func (g *Gateway) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := g.st.ListRobots()
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if robots == nil {
		robots = []*store.Robot{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": robots})
}

// handleGetRobot implements GET /api/v1/robots/{robotID}.
func (g *Gateway) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := g.st.GetRobot(r.PathValue("robotID"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, robot)
}

// handlePublishVersion implements
// POST /api/v1/robots/{robotID}/versions/publish: a multipart upload
// carrying the bundle in "artifact" plus metadata form fields.
func (g *Gateway) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	g.publishVersion(w, r, r.PathValue("robotID"), "user")
}

// handleDeploy implements
// POST /api/v1/deploy/robots/{robotRef}/versions/publish, the CI
// entrypoint. It is authenticated by the x-deploy-token header instead
// of the API token, addresses the robot by id or by name (creating it
// on first deploy) and activates the published version immediately.
func (g *Gateway) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if g.cfg.DeployToken == "" {
		g.writeError(w, "deploys are disabled", http.StatusForbidden)
		return
	}
	if !compareTokens(r.Header.Get("X-Deploy-Token"), g.cfg.DeployToken) {
		g.writeError(w, "invalid deploy token", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		g.writeError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	ref := strings.TrimSpace(r.PathValue("robotRef"))
	if ref == "" {
		g.writeError(w, "robot reference is required", http.StatusUnprocessableEntity)
		return
	}

	robot, err := g.st.GetRobot(ref)
	if errors.Is(err, store.ErrNotFound) {
		robot, err = g.st.GetRobotByName(ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		robot, err = g.st.CreateRobot(ref, r.FormValue("description"), nil, g.clk.Now())
	}
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.publishVersion(w, r, robot.ID, "ci")
}

func (g *Gateway) publishVersion(w http.ResponseWriter, r *http.Request, robotID, source string) {
	if _, err := g.st.GetRobot(robotID); err != nil {
		g.writeStoreError(w, err)
		return
	}
	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			g.writeError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	version := strings.TrimSpace(r.FormValue("version"))
	if version == "" {
		g.writeError(w, "version is required", http.StatusUnprocessableEntity)
		return
	}
	if !semverRe.MatchString(version) {
		g.writeError(w, "version must be SemVer (MAJOR.MINOR.PATCH)", http.StatusUnprocessableEntity)
		return
	}

	file, _, err := r.FormFile("artifact")
	if err != nil {
		g.writeError(w, "artifact file is required", http.StatusUnprocessableEntity)
		return
	}
	defer file.Close()

	digest, size, err := g.blobs.PutBlob(file)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	v := &store.RobotVersion{
		RobotID:        robotID,
		Version:        version,
		Channel:        r.FormValue("channel"),
		ArtifactKind:   store.ArtifactKind(formDefault(r, "artifact_kind", string(store.ArtifactZip))),
		ArtifactDigest: digest,
		EntrypointKind: store.EntrypointKind(formDefault(r, "entrypoint_kind", string(store.EntrypointScript))),
		EntrypointPath: formDefault(r, "entrypoint_path", "main.py"),
		WorkingDir:     r.FormValue("working_dir"),
		Changelog:      r.FormValue("changelog"),
		CommitSHA:      r.FormValue("commit_sha"),
		Branch:         r.FormValue("branch"),
		BuildURL:       r.FormValue("build_url"),
		CreatedSource:  source,
		CreatedAt:      g.clk.Now(),
	}
	if source == "ci" {
		v.IsActive = true
	} else {
		v.IsActive, _ = strconv.ParseBool(r.FormValue("activate"))
	}

	for field, dst := range map[string]any{
		"default_arguments": &v.DefaultArgs,
		"default_env":       &v.DefaultEnv,
		"required_env_keys": &v.RequiredEnvKeys,
	} {
		raw := r.FormValue(field)
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			g.writeError(w, fmt.Sprintf("invalid %s: %v", field, err), http.StatusUnprocessableEntity)
			return
		}
	}

	switch v.ArtifactKind {
	case store.ArtifactZip, store.ArtifactExe:
	default:
		g.writeError(w, "artifact_kind must be zip or exe", http.StatusUnprocessableEntity)
		return
	}
	switch v.EntrypointKind {
	case store.EntrypointScript, store.EntrypointBinary:
	default:
		g.writeError(w, "entrypoint_kind must be script or binary", http.StatusUnprocessableEntity)
		return
	}

	if err := g.st.CreateVersion(v); err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.logger.Info("version published",
		"robot_id", robotID, "version", v.Version, "digest", digest,
		"size", size, "source", source, "active", v.IsActive)
	g.writeJSON(w, http.StatusCreated, v)
}

// handleListVersions implements GET /api/v1/robots/{robotID}/versions.
func (g *Gateway) handleListVersions(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotID")
	if _, err := g.st.GetRobot(robotID); err != nil {
		g.writeStoreError(w, err)
		return
	}
	versions, err := g.st.ListVersions(robotID)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if versions == nil {
		versions = []*store.RobotVersion{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

// handleActivateVersion implements
// POST /api/v1/robots/{robotID}/versions/{versionID}/activate.
func (g *Gateway) handleActivateVersion(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotID")
	versionID := r.PathValue("versionID")
	if err := g.st.ActivateVersion(robotID, versionID); err != nil {
		g.writeStoreError(w, err)
		return
	}
	version, err := g.st.GetVersion(versionID)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, version)
}

func formDefault(r *http.Request, field, fallback string) string {
	if v := r.FormValue(field); v != "" {
		return v
	}
	return fallback
}
