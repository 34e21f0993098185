package config

import (
	"errors"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/containerd/platforms"
)

// Valid project names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Checks the configuration for semantic errors.
//
// Every problem is reported; the result joins one [ValidationError] per
// offending field.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, msg string) {
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}

	if !namePattern.MatchString(c.Project.Name) {
		fail("project.name", "must match "+namePattern.String())
	}
	if c.Project.Binary == "" || strings.ContainsAny(c.Project.Binary, "/ ") {
		fail("project.binary", "must be a bare binary name")
	}

	if c.Images.Repository == "" || strings.ContainsAny(c.Images.Repository, " :") {
		fail("images.repository", "must be a repository name without a tag")
	}
	if c.Images.DebugTag == "" {
		fail("images.debug_tag", "must not be empty")
	}
	if c.Images.ReleaseTag == "" {
		fail("images.release_tag", "must not be empty")
	}

	switch c.Build.Engine {
	case EngineHost:
	case EngineContainerd, EngineDocker:
		if c.Base.Image == "" {
			fail("base.image", "required by the "+string(c.Build.Engine)+" engine")
		}
		if c.Runtime.Image == "" {
			fail("runtime.image", "required by the "+string(c.Build.Engine)+" engine")
		}
	default:
		fail("build.engine", "must be one of host, containerd, docker")
	}

	if c.Build.Engine == EngineContainerd {
		if c.Containerd.Address == "" {
			fail("containerd.address", "required by the containerd engine")
		}
		if c.Containerd.Namespace == "" {
			fail("containerd.namespace", "required by the containerd engine")
		}
		if c.Containerd.Snapshotter == "" {
			fail("containerd.snapshotter", "required by the containerd engine")
		}
	}
	if c.Build.Engine == EngineDocker && c.Base.PlannerTool == "" {
		fail("base.planner_tool", "required by the docker engine")
	}

	for _, p := range c.Build.Platforms {
		if _, err := platforms.Parse(p); err != nil {
			fail("build.platforms", "invalid platform "+p)
		}
	}

	if !path.IsAbs(c.Build.Workdir) {
		fail("build.workdir", "must be an absolute path")
	}
	for _, m := range c.Build.CacheMounts {
		if !path.IsAbs(m) {
			fail("build.cache_mounts", "must be absolute paths, got "+m)
		}
	}
	for _, lib := range c.Runtime.Libraries {
		if !path.IsAbs(lib) {
			fail("runtime.libraries", "must be absolute paths, got "+lib)
		}
	}
	if c.Build.Shell == "" {
		fail("build.shell", "must not be empty")
	}

	if c.RPCURL != "" {
		if u, err := url.Parse(c.RPCURL); err != nil || u.Scheme == "" || u.Host == "" {
			fail("rpc_url", "must be an absolute URL")
		}
	}

	return errors.Join(errs...)
}
