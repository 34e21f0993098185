package stage

import (
	"errors"
	"io"
	"sort"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/kilnhq/kiln/internal/fault"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/go-playground/colors.v1"
)

// Build status of a stage, used to colour graph nodes.
type Status string

const (
	StatusPending Status = "pending"
	StatusCached  Status = "cached"
	StatusBuilt   Status = "built"
	StatusFailed  Status = "failed"
)

// Fill colours per status.
var statusColors = map[Status][3]uint8{
	StatusPending: {211, 211, 211},
	StatusCached:  {144, 238, 144},
	StatusBuilt:   {135, 206, 250},
	StatusFailed:  {255, 99, 71},
}

// Returns the stage dependency DAG of a pipeline.
//
// Edges point from a dependency to the stage that reads from it. Duplicate
// names, references to unknown stages, and cycles are errors.
func Graph(p *Pipeline) (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	for _, s := range p.Stages {
		if err := g.AddVertex(s.Name); err != nil {
			if errors.Is(err, graph.ErrVertexAlreadyExists) {
				return nil, fault.Wrapf(ErrDuplicateStage, "%s", s.Name)
			}
			return nil, fault.Wrap(ErrInvalidPipeline, err)
		}
	}

	for _, s := range p.Stages {
		for _, dep := range s.Dependencies() {
			if _, err := g.Vertex(dep); err != nil {
				return nil, fault.Wrapf(ErrUnknownStage, "stage %s reads from %q", s.Name, dep)
			}
			err := g.AddEdge(dep, s.Name)
			switch {
			case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
			case errors.Is(err, graph.ErrEdgeCreatesCycle):
				return nil, fault.Wrapf(ErrCycle, "%s -> %s", dep, s.Name)
			default:
				return nil, fault.Wrap(ErrInvalidPipeline, err)
			}
		}
	}

	return g, nil
}

// Groups the stages of a DAG into generations.
//
// Every stage in a generation depends only on stages in earlier
// generations. Names within a generation are sorted.
func Levels(g graph.Graph[string, string]) ([][]string, error) {
	preds, err := g.PredecessorMap()
	if err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(preds))
	for v, in := range preds {
		remaining[v] = len(in)
	}

	adj, err := g.AdjacencyMap()
	if err != nil {
		return nil, err
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for v, n := range remaining {
			if n == 0 {
				level = append(level, v)
			}
		}
		if len(level) == 0 {
			return nil, ErrCycle
		}
		sort.Strings(level)

		for _, v := range level {
			delete(remaining, v)
			for next := range adj[v] {
				remaining[next]--
			}
		}
		levels = append(levels, level)
	}

	return levels, nil
}

// Writes the pipeline DAG in DOT format with nodes coloured by status.
//
// Stages missing from status are drawn as pending.
func DOT(p *Pipeline, status map[string]Status, w io.Writer) error {
	g, err := Graph(p)
	if err != nil {
		return err
	}

	title := cases.Title(language.English)

	for _, s := range p.Stages {
		st, ok := status[s.Name]
		if !ok {
			st = StatusPending
		}

		fill, err := fillColor(st)
		if err != nil {
			return err
		}

		label := s.Name + `\n` + title.String(string(st))
		if !s.Transient {
			label += `\n(image)`
		}

		_, props, err := g.VertexWithProperties(s.Name)
		if err != nil {
			return err
		}
		props.Attributes["style"] = "filled"
		props.Attributes["fillcolor"] = fill
		props.Attributes["label"] = label
		props.Attributes["shape"] = "box"
	}

	return draw.DOT(g, w, draw.GraphAttribute("rankdir", "LR"))
}

// Returns the hex fill colour for a status.
func fillColor(st Status) (string, error) {
	rgb, ok := statusColors[st]
	if !ok {
		rgb = statusColors[StatusPending]
	}

	c, err := colors.RGB(rgb[0], rgb[1], rgb[2])
	if err != nil {
		return "", err
	}
	return c.ToHEX().String(), nil
}
