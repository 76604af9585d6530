package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	ConversationFilename = "conversation_history.json"
	LocksDirName         = ".fslocks"
)

func FileStateDir() string {
	dir := strings.TrimSpace(viper.GetString("file_state_dir"))
	if dir == "" {
		dir = "~/.wechatai"
	}
	return ExpandHomePath(dir)
}

func ConversationPath() string {
	return filepath.Join(FileStateDir(), ConversationFilename)
}

func LocksDir() string {
	return filepath.Join(FileStateDir(), LocksDirName)
}

// DefaultCardPaths lists the card files probed at startup, in order.
func DefaultCardPaths() []string {
	names := []string{"character.json", "character.yaml", "character.png", "default.json"}
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(FileStateDir(), name))
	}
	return out
}

func ExpandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
