package volume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ReadMetaImage loads an uncompressed MetaImage (.mha) file with local
// element data and MET_FLOAT voxels. This covers the volumes the CLI
// exchanges with its collaborators; richer formats stay with the host
// application's I/O layer.
func ReadMetaImage(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	geom := Geometry{
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection(),
	}
	bigEndian := false
	elementType := ""
	dataFollows := false

	for !dataFollows {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading metaimage header: %w", err)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "ObjectType":
			if value != "Image" {
				return nil, fmt.Errorf("unsupported ObjectType %q", value)
			}
		case "NDims":
			if value != "3" {
				return nil, fmt.Errorf("unsupported NDims %q, want 3", value)
			}
		case "BinaryData":
			if !strings.EqualFold(value, "True") {
				return nil, fmt.Errorf("ASCII metaimage data is not supported")
			}
		case "CompressedData":
			if strings.EqualFold(value, "True") {
				return nil, fmt.Errorf("compressed metaimage data is not supported")
			}
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			bigEndian = strings.EqualFold(value, "True")
		case "DimSize":
			if err := parseInts(value, geom.Size[:]); err != nil {
				return nil, fmt.Errorf("DimSize: %w", err)
			}
		case "ElementSpacing", "ElementSize":
			if err := parseFloats(value, geom.Spacing[:]); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		case "Offset", "Origin", "Position":
			if err := parseFloats(value, geom.Origin[:]); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		case "TransformMatrix", "Orientation", "Rotation":
			var flat [9]float64
			if err := parseFloats(value, flat[:]); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			for row := 0; row < 3; row++ {
				for col := 0; col < 3; col++ {
					// MetaImage stores the matrix row-major with rows being
					// the axis direction vectors; our direction matrix holds
					// them as columns.
					geom.Direction[col][row] = flat[row*3+col]
				}
			}
		case "ElementType":
			elementType = value
		case "ElementDataFile":
			if value != "LOCAL" {
				return nil, fmt.Errorf("only ElementDataFile = LOCAL is supported, got %q", value)
			}
			dataFollows = true
		}
	}

	if elementType != "MET_FLOAT" {
		return nil, fmt.Errorf("unsupported ElementType %q, want MET_FLOAT", elementType)
	}
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	n := geom.NumVoxels()
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading %d voxels: %w", n, err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
	}
	return NewFromData(geom, data)
}

// WriteMetaImage writes the volume as an uncompressed local-data .mha file.
func WriteMetaImage(path string, v *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ObjectType = Image\n")
	fmt.Fprintf(w, "NDims = 3\n")
	fmt.Fprintf(w, "BinaryData = True\n")
	fmt.Fprintf(w, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(w, "CompressedData = False\n")
	d := v.Geom.Direction
	fmt.Fprintf(w, "TransformMatrix = %g %g %g %g %g %g %g %g %g\n",
		d[0][0], d[1][0], d[2][0],
		d[0][1], d[1][1], d[2][1],
		d[0][2], d[1][2], d[2][2])
	fmt.Fprintf(w, "Offset = %g %g %g\n", v.Geom.Origin[0], v.Geom.Origin[1], v.Geom.Origin[2])
	fmt.Fprintf(w, "ElementSpacing = %g %g %g\n", v.Geom.Spacing[0], v.Geom.Spacing[1], v.Geom.Spacing[2])
	fmt.Fprintf(w, "DimSize = %d %d %d\n", v.Geom.Size[0], v.Geom.Size[1], v.Geom.Size[2])
	fmt.Fprintf(w, "ElementType = MET_FLOAT\n")
	fmt.Fprintf(w, "ElementDataFile = LOCAL\n")

	buf := make([]byte, 4)
	for _, x := range v.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return w.Flush()
}

func parseInts(s string, out []int) error {
	fields := strings.Fields(s)
	if len(fields) != len(out) {
		return fmt.Errorf("want %d values, got %d", len(out), len(fields))
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return err
		}
		out[i] = n
	}
	return nil
}

func parseFloats(s string, out []float64) error {
	fields := strings.Fields(s)
	if len(fields) != len(out) {
		return fmt.Errorf("want %d values, got %d", len(out), len(fields))
	}
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return err
		}
		out[i] = x
	}
	return nil
}
