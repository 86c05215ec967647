package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"os"
	"sort"

	"github.com/f9micro/f9-kernel-sub002/board"
	"github.com/f9micro/f9-kernel-sub002/kernel/kfmt"
	"github.com/f9micro/f9-kernel-sub002/kernel/kip"
	"github.com/f9micro/f9-kernel-sub002/kernel/kmain"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
	"github.com/f9micro/f9-kernel-sub002/kernel/mm/fpage"
	"github.com/fogleman/gg"
)

// Layout parameters in pixels.
const (
	margin     = 16
	labelWidth = 200
	header     = 24

	// A pool band is bandMin pixels plus bandScale pixels per power of two
	// of its size so that small pools stay readable next to large ones.
	bandMin   = 8
	bandScale = 3
)

type column int

const (
	colPools column = iota
	colFpages
	colMPU
	numColumns
)

var columnNames = [numColumns]string{"pools", "root fpages", "MPU regions"}

// tagColors maps pool tags to their fill color.
var tagColors = map[mem.PoolTag]color.RGBA{
	mem.TagKernelText: {R: 204, G: 102, B: 102, A: 255},
	mem.TagKernelData: {R: 230, G: 153, B: 128, A: 255},
	mem.TagUserText:   {R: 102, G: 153, B: 204, A: 255},
	mem.TagUserData:   {R: 128, G: 191, B: 230, A: 255},
	mem.TagAvailable:  {R: 153, G: 204, B: 128, A: 255},
	mem.TagDevices:    {R: 191, G: 191, B: 191, A: 255},
}

var mpuColor = color.RGBA{R: 255, G: 204, B: 51, A: 255}

// band is the vertical slot of one pool.
type band struct {
	name       string
	start, end uint32
	tag        mem.PoolTag
	y, h       float64
}

// block is a rectangle drawn in one column.
type block struct {
	col    column
	label  string
	color  color.RGBA
	y0, y1 float64
	always bool
}

type memMap struct {
	board  string
	bands  []band
	blocks []block
	height float64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memmap] error: %s\n", err.Error())
	os.Exit(1)
}

// buildMap lays out the pools described by the kernel information page,
// the fpages of the root address space and the MPU resident set of the
// root thread.
func buildMap(k *kmain.Kernel) (*memMap, error) {
	var info kip.KIP
	if err := info.UnmarshalBinary(k.KIPImage); err != nil {
		return nil, err
	}
	if len(info.Memory) == 0 {
		return nil, errors.New("kernel information page describes no memory")
	}

	m := &memMap{board: k.Board.Name}
	descs := append([]kip.MemDesc(nil), info.Memory...)
	sort.Slice(descs, func(i, j int) bool { return descs[i].Base < descs[j].Base })

	y := float64(margin + header)
	for _, d := range descs {
		name := fmt.Sprintf("pool %d", d.Pool)
		if p := k.Pools.ByID(d.Pool); p != nil {
			name = p.Name
		}

		h := float64(bandMin + bandScale*int(d.Size.Shift()))
		m.bands = append(m.bands, band{name: name, start: d.Base, end: d.End(), tag: d.Tag, y: y, h: h})
		y += h
		m.blocks = append(m.blocks, m.block(colPools, d.Base, d.End(), name, tagColors[d.Tag]))
	}
	m.height = y + margin

	k.Fpages.Each(k.Root.Space, func(_ fpage.Handle, fp *fpage.Fpage) bool {
		b := m.block(colFpages, fp.Base(), fp.End(), fmt.Sprintf("%s 0x%x", fp.Rights(), fp.Base()), lighten(m.colorOf(fp.Base())))
		b.always = fp.Flags()&fpage.Always != 0
		m.blocks = append(m.blocks, b)
		return true
	})

	for n, h := range k.Root.Space.MPUFirst {
		if fp := k.Fpages.Get(h); fp != nil {
			m.blocks = append(m.blocks, m.block(colMPU, fp.Base(), fp.End(), fmt.Sprintf("r%d", n), mpuColor))
		}
	}

	return m, nil
}

// block maps [base, end) onto the band of the pool containing base.
func (m *memMap) block(col column, base, end uint32, label string, c color.RGBA) block {
	b := block{col: col, label: label, color: c}
	for _, bd := range m.bands {
		if base < bd.start || base >= bd.end {
			continue
		}
		size := float64(bd.end - bd.start)
		b.y0 = bd.y + bd.h*float64(base-bd.start)/size
		b.y1 = bd.y + bd.h*float64(end-bd.start)/size
		break
	}
	return b
}

func (m *memMap) colorOf(addr uint32) color.RGBA {
	for _, bd := range m.bands {
		if addr >= bd.start && addr < bd.end {
			return tagColors[bd.tag]
		}
	}
	return color.RGBA{A: 255}
}

func lighten(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.R/2 + 128, G: c.G/2 + 128, B: c.B/2 + 128, A: 255}
}

func columnX(width int, col column) (x, w float64) {
	w = float64(width-2*margin-labelWidth) / float64(numColumns)
	return float64(margin+labelWidth) + w*float64(col), w
}

// render draws m onto a new canvas that is width pixels wide.
func render(m *memMap, width int) *gg.Context {
	dc := gg.NewContext(width, int(m.height))
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(0, 0, 0)
	dc.DrawString(m.board, margin, margin)
	for col := colPools; col < numColumns; col++ {
		x, w := columnX(width, col)
		dc.DrawStringAnchored(columnNames[col], x+w/2, margin+header/2, 0.5, 0.5)
	}

	for _, bd := range m.bands {
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(fmt.Sprintf("0x%08x %s", bd.start, bd.name), margin, bd.y+bd.h/2, 0, 0.5)
		dc.SetRGB(0.85, 0.85, 0.85)
		dc.SetLineWidth(1)
		dc.DrawLine(margin, bd.y, float64(width-margin), bd.y)
		dc.Stroke()
	}

	for _, b := range m.blocks {
		x, w := columnX(width, b.col)
		x, w = x+4, w-8

		dc.DrawRectangle(x, b.y0, w, b.y1-b.y0)
		dc.SetColor(b.color)
		dc.FillPreserve()
		dc.SetRGB(0, 0, 0)
		dc.SetLineWidth(1)
		if b.always {
			dc.SetLineWidth(2)
		}
		dc.Stroke()

		if b.y1-b.y0 >= 12 {
			dc.DrawStringAnchored(b.label, x+w/2, (b.y0+b.y1)/2, 0.5, 0.5)
		}
	}

	return dc
}

// bootBoard boots the kernel hosted and dispatches until the root thread
// runs so its address space is projected onto the MPU.
func bootBoard(cmdLine string) (*kmain.Kernel, error) {
	k, kerr := kmain.BootFromCmdLine(cmdLine)
	if kerr != nil {
		return nil, kerr
	}

	k.Schedule()
	for i := 0; i < 4 && k.Threads.Current() != k.Root; i++ {
		k.RunKernelThread()
	}
	if k.Threads.Current() != k.Root {
		return nil, errors.New("root thread was never dispatched")
	}
	return k, nil
}

func listBoards(w io.Writer) {
	for _, info := range board.List() {
		fmt.Fprintf(w, "%s\n", info.Name)
	}
}

func runTool() error {
	boardName := flag.String("board", "", "the board to boot; defaults to the first registered board")
	cmdLine := flag.String("cmdline", "", "additional kernel boot options")
	width := flag.Int("width", 900, "the width of the generated image in pixels")
	output := flag.String("out", "memmap.png", "a file to write the PNG image or - to output to STDOUT")
	list := flag.Bool("list", false, "list the registered boards and exit")
	verbose := flag.Bool("v", false, "print the kernel boot log and state to STDERR")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "memmap: boot the kernel for a board and draw its memory map\n\n")
		fmt.Fprint(os.Stderr, "Usage: memmap [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *list {
		listBoards(os.Stdout)
		return nil
	}

	if *width < 2*margin+labelWidth+int(numColumns)*32 {
		exit(errors.New("image width is too small"))
	}

	kfmt.SetOutputSink(io.Discard)
	if *verbose {
		kfmt.SetOutputSink(os.Stderr)
	}

	opts := *cmdLine
	if *boardName != "" {
		opts = "board=" + *boardName + " " + opts
	}
	k, err := bootBoard(opts)
	if err != nil {
		return err
	}
	if *verbose {
		k.Dump(os.Stderr)
	}

	m, err := buildMap(k)
	if err != nil {
		return err
	}
	dc := render(m, *width)

	if *output == "-" {
		return png.Encode(os.Stdout, dc.Image())
	}
	return dc.SavePNG(*output)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
