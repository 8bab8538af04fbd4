// volidx is a small command-line harness around the volumeindex package:
// build an index from a CSV of (fingerprint-hex, chapter) pairs, look up a
// fingerprint, save/load it to a zstd-wrapped file, and print stats. Flag
// layout follows cmd/doppelmark/main.go: one flag.* variable per tunable.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/zstd"

	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/iostream"
	"github.com/hashvault/volumeindex/volumeindex"
)

var (
	zones             = flag.Uint("zones", 4, "number of zones")
	chapters          = flag.Uint64("chapters", 1024, "rounded chapters retained per zone")
	recordsPerChapter = flag.Uint64("records-per-chapter", 1 << 20, "expected records added per chapter")
	meanDelta         = flag.Uint64("mean-delta", 4096, "expected address delta between consecutive entries in a list")
	sparseSampleRate  = flag.Uint("sparse-sample-rate", 0, "sample rate for a V6 composite index; 0 builds a plain V5 dense index")
	storeFullFP       = flag.Bool("store-full-fingerprint", true, "store the full 128-bit fingerprint with every entry, instead of a 64-bit digest")
	nonce             = flag.Uint64("nonce", 1, "volume nonce stamped into the save stream and checked on load")
	inputFile         = flag.String("input", "", "CSV file of fingerprint-hex,chapter pairs to build from")
	openChapter       = flag.Uint64("open-chapter", 0, "virtual chapter to open before building/looking up")
	saveFile          = flag.String("save", "", "zstd-wrapped file to write the built index to")
	loadFile          = flag.String("load", "", "zstd-wrapped file to load an index from, instead of -input")
	lookupHex         = flag.String("lookup", "", "fingerprint (hex) to look up after building/loading")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	cfg := volumeindex.Config{
		RecordsPerChapter:    *recordsPerChapter,
		ChaptersPerVolume:    *chapters,
		MeanDelta:            *meanDelta,
		Zones:                uint32(*zones),
		StoreFullFingerprint: *storeFullFP,
		SparseSampleRate:     uint32(*sparseSampleRate),
	}

	var idx *volumeindex.Index
	var err error
	if *loadFile != "" {
		idx, err = loadIndex(cfg, *loadFile)
	} else {
		idx, err = volumeindex.New(cfg, *nonce)
	}
	if err != nil {
		log.Fatalf("volidx: %v", err)
	}

	if *loadFile == "" {
		if err := idx.SetOpenChapter(*openChapter); err != nil {
			log.Fatalf("volidx: set_open_chapter: %v", err)
		}
		if *inputFile != "" {
			if err := buildFromCSV(idx, *inputFile); err != nil {
				log.Fatalf("volidx: building from %s: %v", *inputFile, err)
			}
		}
	}

	if *lookupHex != "" {
		fp, err := parseFingerprint(*lookupHex)
		if err != nil {
			log.Fatalf("volidx: -lookup: %v", err)
		}
		rec, err := idx.GetRecord(fp)
		if err != nil {
			log.Fatalf("volidx: get_record: %v", err)
		}
		if rec.IsFound() {
			fmt.Printf("found chapter=%d collision=%v\n", rec.VirtualChapter(), rec.IsCollision())
		} else {
			fmt.Println("not found")
		}
	}

	dense, sparse := idx.Stats()
	log.Printf("stats: dense.records=%d dense.collisions=%d sparse.records=%d sparse.collisions=%d",
		dense.RecordCount, dense.CollisionCount, sparse.RecordCount, sparse.CollisionCount)

	if *saveFile != "" {
		if err := saveIndex(idx, *saveFile); err != nil {
			log.Fatalf("volidx: saving to %s: %v", *saveFile, err)
		}
	}
}

// buildFromCSV reads "fphex,chapter" lines and puts each into idx.
func buildFromCSV(idx *volumeindex.Index, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: expected fphex,chapter", lineNo)
		}
		fp, err := parseFingerprint(parts[0])
		if err != nil {
			return fmt.Errorf("line %d: %v", lineNo, err)
		}
		chapterVal, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %v", lineNo, err)
		}
		rec, err := idx.GetRecord(fp)
		if err != nil {
			return fmt.Errorf("line %d: get_record: %v", lineNo, err)
		}
		if rec.IsFound() {
			if err := idx.SetRecordChapter(rec, chapterVal); err != nil {
				return fmt.Errorf("line %d: set_record_chapter: %v", lineNo, err)
			}
			continue
		}
		if err := idx.PutRecord(rec, chapterVal); err != nil {
			log.Printf("line %d: put_record: %v (continuing)", lineNo, err)
		}
	}
	return scanner.Err()
}

func parseFingerprint(hexStr string) (fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	raw, err := hex.DecodeString(strings.TrimSpace(hexStr))
	if err != nil {
		return fp, err
	}
	if len(raw) != fingerprint.Size {
		return fp, fmt.Errorf("fingerprint must be %d bytes, got %d", fingerprint.Size, len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

// saveIndex writes idx's per-zone streams, each zstd-compressed, into a
// single file: a u32 zone count, then for each zone a u64 compressed
// length followed by that many zstd-compressed bytes. zstd wraps the
// transport only; the byte-exact save format underneath is untouched.
func saveIndex(idx *volumeindex.Index, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n := idx.ZoneCount()
	plainBufs := make([]bytes.Buffer, n)
	writers := make([]*iostream.Writer, n)
	for z := range writers {
		writers[z] = iostream.NewWriter(&plainBufs[z])
	}
	if err := idx.Save(writers); err != nil {
		return err
	}
	for z := range writers {
		if err := writers[z].Flush(); err != nil {
			return err
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	bufWriter := bufio.NewWriter(f)
	if err := binary.Write(bufWriter, binary.LittleEndian, n); err != nil {
		return err
	}
	for z := uint32(0); z < n; z++ {
		compressed := enc.EncodeAll(plainBufs[z].Bytes(), nil)
		if err := binary.Write(bufWriter, binary.LittleEndian, uint64(len(compressed))); err != nil {
			return err
		}
		if _, err := bufWriter.Write(compressed); err != nil {
			return err
		}
	}
	return bufWriter.Flush()
}

func loadIndex(cfg volumeindex.Config, path string) (*volumeindex.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bufReader := bufio.NewReader(f)
	var n uint32
	if err := binary.Read(bufReader, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	readers := make([]*iostream.Reader, n)
	for z := uint32(0); z < n; z++ {
		var length uint64
		if err := binary.Read(bufReader, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		compressed := make([]byte, length)
		if _, err := io.ReadFull(bufReader, compressed); err != nil {
			return nil, err
		}
		plain, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, err
		}
		readers[z] = iostream.NewReader(bytes.NewReader(plain))
	}

	idx, err := volumeindex.New(cfg, *nonce)
	if err != nil {
		return nil, err
	}
	if err := idx.Load(readers); err != nil {
		return nil, err
	}
	return idx, nil
}
