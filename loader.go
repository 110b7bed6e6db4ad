package npucc

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// A GraphLoader loads an operation graph from a set of CSV files produced by
// the front-end exporter. tensor.csv lists the tensors and graph.csv lists
// the operations referencing them by name.
type GraphLoader struct {
	// The directory where the graph files are located.
	Dir string
}

// Load loads a graph from a set of files.
func (l *GraphLoader) Load() (*Graph, error) {
	g := NewGraph()

	names, err := l.readTensors(g)
	if err != nil {
		return nil, err
	}

	err = l.readOps(g, names)
	if err != nil {
		return nil, err
	}

	l.markBoundary(g)

	err = g.Validate()
	if err != nil {
		return nil, err
	}

	return g, nil
}

// readTensors reads the tensor arena from tensor.csv and returns the
// name-to-index map used to resolve operation operands.
func (l *GraphLoader) readTensors(g *Graph) (map[string]int, error) {
	records, err := l.readCSV("tensor.csv")
	if err != nil {
		return nil, err
	}

	names := make(map[string]int)

	for i, record := range records {
		if i == 0 {
			continue
		}

		tensor, err := l.parseTensor(g, record)
		if err != nil {
			return nil, err
		}
		if _, dup := names[tensor.Name]; dup {
			return nil, StructuralErrf("duplicate tensor name %s", tensor.Name)
		}
		names[tensor.Name] = tensor.Index
	}

	return names, nil
}

func (l *GraphLoader) parseTensor(g *Graph, record []string) (*Tensor, error) {
	name := record[0]

	dims, err := parseIntList(record[1])
	if err != nil {
		return nil, StructuralErrf("tensor %s has bad dims %q", name, record[1])
	}

	elemBytes, err := strconv.Atoi(record[2])
	if err != nil {
		return nil, StructuralErrf(
			"tensor %s has bad element size %q", name, record[2])
	}

	class := getClassType(record[3])
	tensor := g.AddTensor(name, dims, elemBytes, class)

	if class != ClassActivation && len(record) > 4 && record[4] != "" {
		data, err := os.ReadFile(filepath.Join(l.Dir, record[4]))
		if err != nil {
			return nil, err
		}
		tensor.Data = data
	}

	return tensor, nil
}

// readOps reads the operation list from graph.csv.
func (l *GraphLoader) readOps(g *Graph, names map[string]int) error {
	records, err := l.readCSV("graph.csv")
	if err != nil {
		return err
	}

	for i, record := range records {
		if i == 0 {
			continue
		}

		err := l.parseOp(g, names, record)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *GraphLoader) parseOp(
	g *Graph,
	names map[string]int,
	record []string,
) error {
	kind := record[0]
	name := record[1]

	inputs, err := resolveTensorList(record[2], names)
	if err != nil {
		return err
	}

	outputs, err := resolveTensorList(record[3], names)
	if err != nil {
		return err
	}

	cycles, err := strconv.ParseUint(record[4], 10, 64)
	if err != nil {
		return StructuralErrf("op %s has bad cycle estimate %q", name, record[4])
	}

	op, err := g.AddOp(kind, name, inputs, outputs, cycles)
	if err != nil {
		return err
	}

	if len(record) > 5 {
		op.Dynamic = record[5] == "1" || record[5] == "true"
	}

	return nil
}

func (l *GraphLoader) readCSV(file string) ([][]string, error) {
	path := filepath.Join(l.Dir, file)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := f.Close()
		if closeErr != nil {
			panic(closeErr)
		}
	}()

	reader := csv.NewReader(f)
	reader.Comma = ','
	reader.TrimLeadingSpace = true

	return reader.ReadAll()
}

// markBoundary derives the external inputs and outputs of the graph:
// activations nobody produces are inputs, tensors nobody consumes are
// outputs.
func (l *GraphLoader) markBoundary(g *Graph) {
	for _, t := range g.Tensors {
		if t.Producer == -1 && t.Class == ClassActivation {
			g.Inputs = append(g.Inputs, t.Index)
		}
		if t.Producer != -1 && len(t.Consumers) == 0 {
			g.Outputs = append(g.Outputs, t.Index)
		}
	}
}

func resolveTensorList(str string, names map[string]int) ([]int, error) {
	tokens := splitList(str)
	if tokens == nil {
		return nil, nil
	}

	indices := make([]int, len(tokens))
	for i, token := range tokens {
		idx, ok := names[token]
		if !ok {
			return nil, StructuralErrf("tensor %s not found", token)
		}
		indices[i] = idx
	}

	return indices, nil
}

func parseIntList(str string) ([]int, error) {
	tokens := splitList(str)
	if tokens == nil {
		return nil, nil
	}

	values := make([]int, len(tokens))
	for i, token := range tokens {
		v, err := strconv.Atoi(token)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	return values, nil
}

func splitList(str string) []string {
	delimiter := ";"

	str = strings.Trim(str, "[]")
	str = strings.ReplaceAll(str, " ", "")
	tokens := strings.Split(str, delimiter)

	if len(tokens) == 1 && tokens[0] == "" {
		return nil
	}

	for i, token := range tokens {
		tokens[i] = strings.Trim(token, "'")
	}

	return tokens
}

func getClassType(class string) StorageClass {
	classMap := map[string]StorageClass{
		"activation": ClassActivation,
		"weight":     ClassWeight,
		"bias":       ClassWeight,
		"constant":   ClassConstant,
		"const":      ClassConstant,
	}
	if c, ok := classMap[class]; ok {
		return c
	}
	return ClassActivation
}
