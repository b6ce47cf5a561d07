package sandbox

import "strings"

// wrap surrounds a caller-supplied script body with the execution preamble:
// the headless Agg backend is forced before pyplot is imported (its absence
// is fatal), the usual numerical libraries are imported defensively, and the
// figure is saved and closed after the body runs whether or not the body
// attempted its own save.
func wrap(body string) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString(indent(body))
	b.WriteString(postamble)
	return b.String()
}

const preamble = `import os
import sys
import traceback

try:
    import matplotlib
    matplotlib.use('Agg')
    import matplotlib.pyplot as plt
except ImportError as e:
    print(f"matplotlib is required: {e}", file=sys.stderr)
    sys.exit(1)

try:
    import numpy as np
except ImportError:
    pass

try:
    import pandas as pd
except ImportError:
    pass

try:
    import seaborn as sns
except ImportError:
    pass

os.chdir(os.path.dirname(os.path.abspath(__file__)))
plt.ioff()

try:
`

const postamble = `
    plt.tight_layout()
    plt.savefig('plot.png', dpi=300, bbox_inches='tight')
    plt.close('all')
except Exception:
    traceback.print_exc()
    sys.exit(1)
`

// indent shifts the body into the wrapper's try block. Blank lines stay
// blank so python's indentation rules are not disturbed.
func indent(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			lines[i] = "    " + line
		} else {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}
