package config

import (
	"fmt"
	"net"
	"os"
)

// Validator runs every pre-flight check the apply runner must pass
// before it renders a compose bundle or touches a container, grounded on
// original_source's PathValidator/PortValidator pair.
type Validator struct {
	cfg StackConfig
}

func NewValidator(cfg StackConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every check and returns a non-nil *ValidationErrors only
// when at least one check failed.
func (v *Validator) Validate() *ValidationErrors {
	errs := &ValidationErrors{}

	v.validatePaths(errs)
	v.validatePorts(errs)
	v.validateMediaPolicy(errs)
	v.validateUsers(errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (v *Validator) validatePaths(errs *ValidationErrors) {
	checkRequiredDir(errs, "paths.pool", v.cfg.Paths.Pool)
	checkRequiredDir(errs, "paths.appdata", v.cfg.Paths.Appdata)
	if v.cfg.Paths.Scratch != "" {
		checkExistingDir(errs, "paths.scratch", v.cfg.Paths.Scratch)
	}
}

func checkRequiredDir(errs *ValidationErrors, field, path string) {
	if path == "" {
		errs.Add(field, "is required")
		return
	}
	checkExistingDir(errs, field, path)
}

func checkExistingDir(errs *ValidationErrors, field, path string) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		errs.Add(field, fmt.Sprintf("path %s does not exist", path))
		return
	}
	if err != nil {
		errs.Add(field, fmt.Sprintf("cannot stat %s: %v", path, err))
		return
	}
	if !info.IsDir() {
		errs.Add(field, fmt.Sprintf("%s is not a directory", path))
		return
	}
	if err := checkWritable(path); err != nil {
		errs.Add(field, fmt.Sprintf("%s is not writable: %v", path, err))
	}
}

// checkWritable probes write access by creating and removing a temp
// file, since os.Access is unreliable for root-owned processes.
func checkWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".writable-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func (v *Validator) validatePorts(errs *ValidationErrors) {
	ports := map[string]int{}
	for _, name := range ServiceNames() {
		if name == "pipeline" || !v.cfg.Services.Enabled(name) {
			continue
		}
		port := v.cfg.Services.Port(name)
		field := fmt.Sprintf("services.%s.port", name)

		if port < 1 || port > 65535 {
			errs.Add(field, fmt.Sprintf("port %d is out of range 1-65535", port))
			continue
		}
		if other, conflict := ports[fmt.Sprint(port)]; conflict {
			errs.Add(field, fmt.Sprintf("port %d is also assigned to %s", port, ServiceNames()[other]))
		}
		ports[fmt.Sprint(port)] = indexOf(ServiceNames(), name)

		if isPortInUse(port) {
			errs.Add(field, fmt.Sprintf("port %d is already in use on the host", port))
		}
	}
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// isPortInUse probes TCP bind-ability on all interfaces; a connect probe
// (as the original does) would also succeed against a stale listener the
// apply run is about to replace, so this binds instead.
func isPortInUse(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

func (v *Validator) validateMediaPolicy(errs *ValidationErrors) {
	checkPolicyEntry(errs, "media_policy.movies", v.cfg.MediaPolicy.Movies)
	checkPolicyEntry(errs, "media_policy.tv", v.cfg.MediaPolicy.TV)
	checkPolicyEntry(errs, "media_policy.anime", v.cfg.MediaPolicy.Anime)
}

func checkPolicyEntry(errs *ValidationErrors, field string, entry MediaPolicyEntry) {
	if len(entry.KeepAudio) == 0 {
		errs.Add(field+".keep_audio", "must list at least one language or \"und\"")
	}
}

func (v *Validator) validateUsers(errs *ValidationErrors) {
	seen := map[string]bool{}
	hasOwner := false
	for i, u := range v.cfg.Users {
		field := fmt.Sprintf("users[%d]", i)
		if u.Username == "" {
			errs.Add(field+".username", "is required")
			continue
		}
		if seen[u.Username] {
			errs.Add(field+".username", fmt.Sprintf("duplicate username %q", u.Username))
		}
		seen[u.Username] = true
		if !u.Role.ValidRole() {
			errs.Add(field+".role", fmt.Sprintf("unknown role %q", u.Role))
		}
		if u.Role == RoleOwner {
			hasOwner = true
		}
	}
	if len(v.cfg.Users) > 0 && !hasOwner {
		errs.Add("users", "at least one user must have role \"owner\"")
	}
}
