package builtin

import (
	"github.com/haasonsaas/orbit/internal/tools"
)

// Register installs the workspace toolset into a registry.
func Register(registry *tools.Registry, workspace string) error {
	for _, tool := range []tools.Tool{
		NewReadFileTool(workspace),
		NewWriteFileTool(workspace),
		NewListDirTool(workspace),
		NewShellTool(workspace),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
