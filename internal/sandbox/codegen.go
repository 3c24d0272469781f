package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corvidai/corvid-core/internal/mcpmanager"
)

// buildWorkspaceFiles synthesizes every source file a code-mode session
// needs: the bridge module, one package.json setting ES module mode, and
// one directory per connected server holding a wrapper module per tool
// plus an index module re-exporting them.
func buildWorkspaceFiles(catalog []mcpmanager.ToolLocator) map[string]string {
	files := map[string]string{
		"package.json": "{\"type\":\"module\"}\n",
		"bridge.mjs":   bridgeModuleSource(),
	}

	serverKeys := make([]string, 0)
	byServer := make(map[string][]mcpmanager.ToolLocator)
	for _, loc := range catalog {
		key := sanitizeIdentifier(loc.ServerName)
		if _, seen := byServer[key]; !seen {
			serverKeys = append(serverKeys, key)
		}
		byServer[key] = append(byServer[key], loc)
	}

	for _, serverKey := range serverKeys {
		tools := byServer[serverKey]
		exports := make([]string, 0, len(tools))
		toolKeys := make(map[string]int) // dedupe collisions within one server
		for _, loc := range tools {
			baseKey := sanitizeIdentifier(loc.Descriptor.Name)
			toolKey := baseKey
			if n := toolKeys[baseKey]; n > 0 {
				toolKey = fmt.Sprintf("%s%d", baseKey, n+1)
			}
			toolKeys[baseKey]++

			path := fmt.Sprintf("%s/%s.mjs", serverKey, toolKey)
			files[path] = toolModuleSource(toolKey, loc.Descriptor)
			exports = append(exports, fmt.Sprintf("export { %s } from './%s.mjs'", toolKey, toolKey))
		}
		files[serverKey+"/index.mjs"] = strings.Join(exports, "\n") + "\n"
	}

	return files
}

func bridgeModuleSource() string {
	return `const bridgePort = process.env.CORVID_BRIDGE_PORT

// callTool POSTs {tool, args} to the loopback bridge and returns the
// decoded result, or throws if the bridge reports an error.
export async function callTool(name, args) {
  const res = await fetch('http://127.0.0.1:' + bridgePort + '/call-tool', {
    method: 'POST',
    headers: { 'content-type': 'application/json' },
    body: JSON.stringify({ tool: name, args }),
  })
  const body = await res.json()
  if (body.error) {
    throw new Error(body.error)
  }
  return body.result
}

// extractText renders a tool result as plain text for console output.
export function extractText(result) {
  if (typeof result === 'string') return result
  return JSON.stringify(result)
}
`
}

func toolModuleSource(exportName string, desc mcpmanager.ToolDescriptor) string {
	schema, err := json.Marshal(desc.InputSchema)
	if err != nil || desc.InputSchema == nil {
		schema = []byte("{}")
	}
	descriptionComment := sanitizeASCII(desc.Description)
	if descriptionComment == "" {
		descriptionComment = "(no description provided)"
	}

	return fmt.Sprintf(`import { callTool } from '../bridge.mjs'

// %s
// inputSchema: %s
/**
 * @param {object} input
 * @returns {Promise<any>}
 */
export async function %s(input) {
  return callTool(%s, input)
}
`, descriptionComment, schema, exportName, jsStringLiteral(desc.Name))
}
