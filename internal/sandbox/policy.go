package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// Policy fixes how lesson sandboxes are created and what runs in them.
type Policy struct {
	Template     string        // provider template id
	Port         int           // port the dev server listens on
	Timeout      time.Duration // absolute sandbox lifetime
	AppPath      string        // where the component is written
	StartCommand string        // shell command that starts the dev server
	StartTimeout time.Duration // bound on launching StartCommand, not on the server
}

// DefaultPolicy returns the Next.js lesson runtime defaults.
func DefaultPolicy() Policy {
	return Policy{
		Template:     "digital_lessons",
		Port:         3000,
		Timeout:      10 * time.Minute,
		AppPath:      "/home/user/app/page.tsx",
		StartCommand: "cd /home/user && nohup npx next dev --turbopack -H 0.0.0.0 > /tmp/nextjs.log 2>&1 &",
		StartTimeout: 30 * time.Second,
	}
}

// Validate checks that the policy can create usable sandboxes.
func (p Policy) Validate() error {
	var problems []string
	if p.Template == "" {
		problems = append(problems, "template is empty")
	}
	if p.Port <= 0 || p.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", p.Port))
	}
	if p.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if !strings.HasPrefix(p.AppPath, "/") {
		problems = append(problems, fmt.Sprintf("app path %q is not absolute", p.AppPath))
	}
	if strings.TrimSpace(p.StartCommand) == "" {
		problems = append(problems, "start command is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid sandbox policy: %s", strings.Join(problems, "; "))
	}
	return nil
}
