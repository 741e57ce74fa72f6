package diagram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/emicklei/dot"
)

// DOT renders a Request as Graphviz source <name>.dot and converts it to
// <name>.png with the dot binary.
type DOT struct {
	dir    string
	assets Assets
	bin    string
}

func NewDOT(dir string, assets Assets) DOT {
	return DOT{
		dir:    dir,
		assets: assets,
		bin:    "dot",
	}
}

// WithBinary returns a copy using the given Graphviz executable.
func (d DOT) WithBinary(bin string) DOT {
	d.bin = bin
	return d
}

// Render always writes the .dot file, even with missing icons. The returned
// error joins missing assets (model.ErrAssetMissing) and Graphviz failures.
func (d DOT) Render(ctx context.Context, req Request) error {
	icons, assetErr := d.assets.Resolve()
	g := Graph(req, icons)

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return errors.Join(assetErr, err)
	}
	src := filepath.Join(d.dir, req.Name+".dot")
	if err := os.WriteFile(src, []byte(g.String()), 0o644); err != nil {
		return errors.Join(assetErr, fmt.Errorf("writing %s: %w", src, err))
	}

	out := filepath.Join(d.dir, req.Name+".png")
	err := d.png(ctx, src, out)
	if err == nil {
		slog.DebugContext(ctx, "diagram rendered", "path", out, "hosts", len(req.Hosts))
	}
	return errors.Join(assetErr, err)
}

func (d DOT) png(ctx context.Context, src, out string) error {
	bin, err := exec.LookPath(d.bin)
	if err != nil {
		return fmt.Errorf("graphviz: %w", err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-Tpng", "-o", out, src)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Graph builds the Graphviz graph of req. Nodes whose icon is missing in
// icons are drawn as plain shapes.
func Graph(req Request, icons map[Icon]string) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("label", req.Name)
	g.Attr("ratio", "1.5")
	g.Attr("rankdir", "LR")
	g.Attr("ranksep", "2")

	operator := node(g, "operator", OperatorLabel, icons[IconOperator], "doublecircle")
	devices := g.Subgraph(DevicesLabel, dot.ClusterOption{})

	for _, h := range req.Hosts {
		cluster := devices.Subgraph(h.IP, dot.ClusterOption{})
		icon := icons[IconIP]
		if len(h.Ports) == 0 {
			icon = icons[IconDevice]
		}
		ip := node(cluster, "host "+h.IP, h.IP, icon, "box")
		edge(g, operator, ip, Color(h.Status)).Attr("style", "dashed")

		for _, p := range h.Ports {
			icon := icons[IconService]
			if p.Service == "" {
				icon = icons[IconPort]
			}
			id := h.IP + ":" + p.Port
			port := node(cluster, "port "+id, p.Label(), icon, "ellipse")
			edge(g, ip, port, Color(p.Status))
			if !h.Vulnerable() {
				continue
			}
			// red border marks ports of a vulnerable host
			port.Attr("shape", "box").Attr("color", "red").Attr("penwidth", "3")
			cve := node(cluster, "cve "+id, CVELabel, icons[IconCVE], "octagon")
			edge(g, cve, port, ColorNotEngaged)
		}
	}
	return g
}

func node(g *dot.Graph, id, label, icon, shape string) dot.Node {
	n := g.Node(id).
		Label(label).
		Attr("fontsize", "20").
		Attr("width", "1").
		Attr("height", "1")
	if icon == "" {
		return n.Attr("shape", shape)
	}
	return n.
		Attr("image", icon).
		Attr("shape", "none").
		Attr("labelloc", "b").
		Attr("imagescale", "true")
}

func edge(g *dot.Graph, from, to dot.Node, color string) dot.Edge {
	return g.Edge(from, to).
		Attr("color", color).
		Attr("penwidth", "3")
}
