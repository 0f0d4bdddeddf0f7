package tools

import "testing"

func TestIsDestructive(t *testing.T) {
	destructive := []string{
		"rm -rf /tmp/build",
		"rm file.txt",
		"  RM   -RF  ./dist",
		"rmdir old",
		"git push -f origin main",
		"git push --force origin main",
		"git  push   --force",
		"git reset --hard HEAD~3",
		"git clean -fd",
		"git checkout .",
		"psql -c 'DROP TABLE users'",
		"drop database prod",
		"truncate logs.txt",
		"echo x > /dev/sda",
		"echo x >/dev/null",
		"chmod 777 /etc",
		"kill -9 1234",
	}
	for _, cmd := range destructive {
		if !IsDestructive(cmd) {
			t.Errorf("expected destructive: %q", cmd)
		}
	}

	benign := []string{
		"ls -la",
		"git push origin main",
		"git checkout feature-branch",
		"git status",
		"grep -r pattern .",
		"confirm the firmware version",
		"kill 1234",
		"chmod 644 notes.txt",
		"cat /dev/urandom | head -c 10",
	}
	for _, cmd := range benign {
		if IsDestructive(cmd) {
			t.Errorf("expected benign: %q", cmd)
		}
	}
}

func TestNormalizeCommand(t *testing.T) {
	if got := normalizeCommand("  Git\tPUSH   --force "); got != "git push --force" {
		t.Errorf("normalized = %q", got)
	}
}

func TestCancelledResult(t *testing.T) {
	res := CancelledResult()
	if res["error"] != "Command cancelled by user" {
		t.Errorf("error = %v", res["error"])
	}
	if res["exit_code"] != -1 {
		t.Errorf("exit_code = %v", res["exit_code"])
	}
}
